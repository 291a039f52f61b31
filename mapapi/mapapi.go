// Package mapapi is the admin JSON API over the graph store and the catalog.
package mapapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"crimson-map/catalog"
	"crimson-map/dbtypes"
	"crimson-map/export"
	"crimson-map/reconcile"
	"crimson-map/snapcache"
	"crimson-map/versionstore"
)

// Request bodies larger than this are rejected.
const maxBodyBytes = 1 << 20

type API struct {
	store    *versionstore.Store
	catalog  *catalog.Catalog
	exporter *export.Exporter

	// Optional.  Nil serves every export straight from the store.
	cache *snapcache.Cache
}

func New(store *versionstore.Store, cat *catalog.Catalog, exporter *export.Exporter, cache *snapcache.Cache) *API {
	return &API{
		store:    store,
		catalog:  cat,
		exporter: exporter,
		cache:    cache,
	}
}

func (a *API) Register(m *http.ServeMux) {
	m.HandleFunc("GET /api/maps", a.listMapsHandler)
	m.HandleFunc("POST /api/maps", a.createMapHandler)
	m.HandleFunc("GET /api/maps/{mapID}", a.getMapHandler)
	m.HandleFunc("DELETE /api/maps/{mapID}", a.deleteMapHandler)
	m.HandleFunc("PUT /api/maps/{mapID}/active", a.setActiveHandler)
	m.HandleFunc("GET /api/maps/{mapID}/versions", a.listVersionsHandler)
	m.HandleFunc("GET /api/maps/{mapID}/versions/{version}", a.getVersionHandler)
	m.HandleFunc("GET /api/maps/{mapID}/view", a.viewHandler)
	m.HandleFunc("GET /api/maps/{mapID}/next-ids", a.nextIDsHandler)

	m.HandleFunc("POST /api/nodes", a.saveNodeHandler)
	m.HandleFunc("DELETE /api/maps/{mapID}/nodes/{nodeID}", a.deleteNodeHandler)
	m.HandleFunc("POST /api/maps/{mapID}/edges", a.saveEdgeHandler)
	m.HandleFunc("DELETE /api/maps/{mapID}/edges/{edgeID}", a.deleteEdgeHandler)

	m.HandleFunc("GET /api/campuses", listHandler(a.catalog.Campuses))
	m.HandleFunc("POST /api/campuses", a.saveHandler(func(ctx context.Context, body []byte) (interface{}, error) {
		in := &dbtypes.Campus{}
		if err := decode(body, in); err != nil {
			return nil, err
		}
		return a.catalog.SaveCampus(ctx, in)
	}))
	m.HandleFunc("DELETE /api/campuses/{id}", a.deleteHandler(a.catalog.DeleteCampus))

	m.HandleFunc("GET /api/buildings", listHandler(a.catalog.Buildings))
	m.HandleFunc("POST /api/buildings", a.saveHandler(func(ctx context.Context, body []byte) (interface{}, error) {
		in := &dbtypes.Building{}
		if err := decode(body, in); err != nil {
			return nil, err
		}
		return a.catalog.SaveBuilding(ctx, in)
	}))
	m.HandleFunc("DELETE /api/buildings/{id}", a.deleteHandler(a.catalog.DeleteBuilding))

	m.HandleFunc("GET /api/rooms", listHandler(a.catalog.Rooms))
	m.HandleFunc("POST /api/rooms", a.saveHandler(func(ctx context.Context, body []byte) (interface{}, error) {
		in := &dbtypes.Room{}
		if err := decode(body, in); err != nil {
			return nil, err
		}
		return a.catalog.SaveRoom(ctx, in)
	}))
	m.HandleFunc("DELETE /api/rooms/{id}", a.deleteHandler(a.catalog.DeleteRoom))

	m.HandleFunc("GET /api/infrastructure", listHandler(a.catalog.Infrastructures))
	m.HandleFunc("POST /api/infrastructure", a.saveHandler(func(ctx context.Context, body []byte) (interface{}, error) {
		in := &dbtypes.Infrastructure{}
		if err := decode(body, in); err != nil {
			return nil, err
		}
		return a.catalog.SaveInfrastructure(ctx, in)
	}))
	m.HandleFunc("DELETE /api/infrastructure/{id}", a.deleteHandler(a.catalog.DeleteInfrastructure))

	m.HandleFunc("GET /api/categories", listHandler(a.catalog.Categories))
	m.HandleFunc("GET /api/categories/legends", listHandler(a.catalog.AvailableLegends))
	m.HandleFunc("POST /api/categories", a.saveHandler(func(ctx context.Context, body []byte) (interface{}, error) {
		in := &dbtypes.Category{}
		if err := decode(body, in); err != nil {
			return nil, err
		}
		return a.catalog.SaveCategory(ctx, in)
	}))
	m.HandleFunc("DELETE /api/categories/{id}", a.deleteHandler(a.catalog.DeleteCategory))

	m.HandleFunc("GET /api/activity", a.activityHandler)

	m.HandleFunc("GET /api/export/maps/{mapID}", a.exportMapHandler)
	m.HandleFunc("GET /api/export/static", a.exportStaticHandler)
}

// statusFor maps the store's error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case dbtypes.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, dbtypes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dbtypes.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}

	var ve *dbtypes.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if code == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Error while handling request", slog.String("path", r.URL.Path), slog.Any("err", err))
		// Don't leak store internals.
		body.Error = "Internal Error"
	}

	writeJSON(w, r, code, body)
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(r.Context(), "Error while marshaling response", slog.Any("err", err))
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		// It's too late to write an error to the HTTP response.
		slog.ErrorContext(r.Context(), "Error while writing output", slog.Any("err", err))
	}
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("while reading request body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, &dbtypes.ValidationError{Field: "body", Reason: "too large"}
	}
	return body, nil
}

func decode(body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &dbtypes.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func policyParam(r *http.Request) (versionstore.Policy, error) {
	return versionstore.ParsePolicy(r.URL.Query().Get("policy"))
}

func listHandler[T any](list func(context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := list(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if out == nil {
			out = []T{}
		}
		writeJSON(w, r, http.StatusOK, out)
	}
}

// saveHandler runs a catalog write and drops the cached static snapshot.
func (a *API) saveHandler(save func(ctx context.Context, body []byte) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out, err := save(r.Context(), body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		a.invalidateStatic(r.Context())
		writeJSON(w, r, http.StatusOK, out)
	}
}

func (a *API) deleteHandler(del func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := del(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, r, err)
			return
		}
		a.invalidateStatic(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) invalidateStatic(ctx context.Context) {
	if a.cache == nil {
		return
	}
	if err := a.cache.InvalidateStatic(ctx); err != nil {
		slog.WarnContext(ctx, "Failed to invalidate static snapshot", slog.Any("err", err))
	}
}

func (a *API) invalidateMap(ctx context.Context, mapID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.InvalidateMap(ctx, mapID); err != nil {
		slog.WarnContext(ctx, "Failed to invalidate map snapshot", slog.String("map", mapID), slog.Any("err", err))
	}
}

func (a *API) listMapsHandler(w http.ResponseWriter, r *http.Request) {
	maps, err := a.store.Maps(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if maps == nil {
		maps = []*dbtypes.Map{}
	}
	writeJSON(w, r, http.StatusOK, maps)
}

type createMapRequest struct {
	MapName        string   `json:"map_name"`
	CampusIncluded []string `json:"campus_included"`
}

func (a *API) createMapHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := &createMapRequest{}
	if err := decode(body, req); err != nil {
		writeError(w, r, err)
		return
	}
	for _, campusID := range req.CampusIncluded {
		if _, err := a.catalog.Campus(r.Context(), campusID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	m, err := a.store.CreateMap(r.Context(), req.MapName, req.CampusIncluded)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

func (a *API) getMapHandler(w http.ResponseWriter, r *http.Request) {
	m, err := a.store.Map(r.Context(), r.PathValue("mapID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

func (a *API) deleteMapHandler(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("mapID")
	if err := a.store.DeleteMap(r.Context(), mapID); err != nil {
		writeError(w, r, err)
		return
	}
	a.invalidateMap(r.Context(), mapID)
	w.WriteHeader(http.StatusNoContent)
}

type setActiveRequest struct {
	CampusID string `json:"campus_id"`
}

func (a *API) setActiveHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := &setActiveRequest{}
	if err := decode(body, req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.CampusID == "" {
		writeError(w, r, dbtypes.Required("campus_id"))
		return
	}

	mapID := r.PathValue("mapID")
	if err := a.store.SetActive(r.Context(), mapID, req.CampusID); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := a.store.Map(r.Context(), mapID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

func (a *API) listVersionsHandler(w http.ResponseWriter, r *http.Request) {
	versions, err := a.store.Versions(r.Context(), r.PathValue("mapID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, versions)
}

func (a *API) getVersionHandler(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("mapID")
	v, err := a.store.Version(r.Context(), mapID, r.PathValue("version"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, &export.MapSnapshot{MapID: mapID, Version: v.SemVer, Nodes: v.Nodes, Edges: v.Edges})
}

// viewHandler renders the current version filtered to one campus.  Without a
// campus parameter it uses the map's active campus.
func (a *API) viewHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mapID := r.PathValue("mapID")

	m, err := a.store.Map(ctx, mapID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	campusID := r.URL.Query().Get("campus")
	if campusID == "" && m.CurrentActiveCampus != nil {
		campusID = *m.CurrentActiveCampus
	}
	if campusID == "" {
		writeError(w, r, dbtypes.Required("campus"))
		return
	}

	v, err := a.store.Current(ctx, mapID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, reconcile.BuildView(v, campusID))
}

type nextIDsResponse struct {
	NodeID string `json:"node_id"`
	EdgeID string `json:"edge_id"`
}

func (a *API) nextIDsHandler(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("mapID")
	nodeID, err := a.store.NextNodeID(r.Context(), mapID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	edgeID, err := a.store.NextEdgeID(r.Context(), mapID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, &nextIDsResponse{NodeID: nodeID, EdgeID: edgeID})
}

func (a *API) saveNodeHandler(w http.ResponseWriter, r *http.Request) {
	policy, err := policyParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n := &dbtypes.Node{}
	if err := decode(body, n); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := a.store.SaveNode(r.Context(), n, policy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.invalidateMap(r.Context(), res.MapID)
	writeJSON(w, r, http.StatusOK, res)
}

func (a *API) saveEdgeHandler(w http.ResponseWriter, r *http.Request) {
	policy, err := policyParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e := &dbtypes.Edge{}
	if err := decode(body, e); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := a.store.SaveEdge(r.Context(), r.PathValue("mapID"), e, policy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.invalidateMap(r.Context(), res.MapID)
	writeJSON(w, r, http.StatusOK, res)
}

func (a *API) deleteNodeHandler(w http.ResponseWriter, r *http.Request) {
	policy, err := policyParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.store.DeleteNode(r.Context(), r.PathValue("mapID"), r.PathValue("nodeID"), policy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.invalidateMap(r.Context(), res.MapID)
	writeJSON(w, r, http.StatusOK, res)
}

func (a *API) deleteEdgeHandler(w http.ResponseWriter, r *http.Request) {
	policy, err := policyParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.store.DeleteEdge(r.Context(), r.PathValue("mapID"), r.PathValue("edgeID"), policy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.invalidateMap(r.Context(), res.MapID)
	writeJSON(w, r, http.StatusOK, res)
}

func (a *API) activityHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, r, &dbtypes.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}
	logs, err := a.catalog.RecentActivity(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*dbtypes.ActivityLog{}
	}
	writeJSON(w, r, http.StatusOK, logs)
}

func (a *API) exportMapHandler(w http.ResponseWriter, r *http.Request) {
	mapID := r.PathValue("mapID")
	var snap *export.MapSnapshot
	var err error
	if a.cache != nil {
		snap, err = a.cache.MapSnapshot(r.Context(), mapID, func(ctx context.Context) (*export.MapSnapshot, error) {
			return a.exporter.MapSnapshot(ctx, mapID)
		})
	} else {
		snap, err = a.exporter.MapSnapshot(r.Context(), mapID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

func (a *API) exportStaticHandler(w http.ResponseWriter, r *http.Request) {
	var snap *export.StaticSnapshot
	var err error
	if a.cache != nil {
		snap, err = a.cache.StaticSnapshot(r.Context(), a.exporter.StaticSnapshot)
	} else {
		snap, err = a.exporter.StaticSnapshot(r.Context())
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}
