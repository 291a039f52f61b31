package export

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/googleapi"
)

func TestWriteConditions(t *testing.T) {
	testCases := []struct {
		desc    string
		attrs   *storage.ObjectAttrs
		err     error
		want    storage.Conditions
		wantErr bool
	}{
		{
			desc: "absent object is created",
			err:  fmt.Errorf("while reading: %w", storage.ErrObjectNotExist),
			want: storage.Conditions{DoesNotExist: true},
		},
		{
			desc:  "existing object is replaced at its generation",
			attrs: &storage.ObjectAttrs{Generation: 1700000000000042},
			want:  storage.Conditions{GenerationMatch: 1700000000000042},
		},
		{
			desc:    "other errors are returned",
			err:     errors.New("backend unavailable"),
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := writeConditions(tc.attrs, tc.err)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Got err=%v, wantErr=%v", err, tc.wantErr)
			}
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("Bad conditions; diff (-got +want)\n%s", diff)
			}
		})
	}
}

func TestIsPreconditionFailure(t *testing.T) {
	if !isPreconditionFailure(fmt.Errorf("upload: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})) {
		t.Errorf("412 not recognized")
	}
	if isPreconditionFailure(&googleapi.Error{Code: http.StatusServiceUnavailable}) {
		t.Errorf("503 reported as a precondition failure")
	}
}
