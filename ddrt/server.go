package ddrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"

	"github.com/windfish-studio/rtree/geo"
	"github.com/windfish-studio/rtree/tree"
)

// Server exposes an Instance over HTTP. Query responses are cached per
// (box, mutation seq), so a run of identical queries against an
// unchanged tree costs one descent.
type Server struct {
	inst  *Instance
	echo  *echo.Echo
	log   *slog.Logger
	cache *lru.Cache[string, []string]
}

// NewServer builds the HTTP layer around an instance.
func NewServer(inst *Instance, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	cache, err := lru.New[string, []string](1024)
	if err != nil {
		return nil, err
	}
	s := &Server{inst: inst, log: log.With("system", "ddrt-http"), cache: cache}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(s.log))
	e.Use(middleware.Recover())

	e.POST("/index/insert", s.handleInsert)
	e.POST("/index/bulk-insert", s.handleBulkInsert)
	e.POST("/index/update", s.handleUpdate)
	e.POST("/index/bulk-update", s.handleBulkUpdate)
	e.POST("/index/delete", s.handleDelete)
	e.POST("/index/bulk-delete", s.handleBulkDelete)
	e.POST("/index/query", s.handleQuery)
	e.POST("/index/query-depth", s.handleQueryDepth)
	e.GET("/index/tree", s.handleTree)
	e.GET("/index/dump", s.handleDump)
	e.GET("/index/metadata", s.handleMetadata)
	e.POST("/membership/up", s.handleNodeUp)
	e.POST("/membership/down", s.handleNodeDown)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo = e
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Mount attaches an extra handler, e.g. the CRDT delta websocket.
func (s *Server) Mount(path string, h http.Handler) {
	s.echo.GET(path, echo.WrapHandler(h))
}

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type leafRequest struct {
	ID  string  `json:"id"`
	Box geo.Box `json:"box"`
}

type bulkEntriesRequest struct {
	Entries []tree.LeafEntry `json:"entries"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type queryRequest struct {
	Box   geo.Box `json:"box"`
	Depth *int    `json:"depth,omitempty"`
}

type snapshotResponse struct {
	Snapshot tree.Snapshot `json:"snapshot"`
}

func (s *Server) handleInsert(c echo.Context) error {
	var req leafRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := s.inst.Insert(c.Request().Context(), req.ID, req.Box)
	return s.mutationReply(c, snap, err)
}

func (s *Server) handleBulkInsert(c echo.Context) error {
	var req bulkEntriesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := s.inst.BulkInsert(c.Request().Context(), req.Entries)
	return s.mutationReply(c, snap, err)
}

func (s *Server) handleUpdate(c echo.Context) error {
	var req leafRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := s.inst.Update(c.Request().Context(), req.ID, req.Box)
	return s.mutationReply(c, snap, err)
}

func (s *Server) handleBulkUpdate(c echo.Context) error {
	var req bulkEntriesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := s.inst.BulkUpdate(c.Request().Context(), req.Entries)
	return s.mutationReply(c, snap, err)
}

func (s *Server) handleDelete(c echo.Context) error {
	var req leafRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := s.inst.Delete(c.Request().Context(), req.ID)
	return s.mutationReply(c, snap, err)
}

func (s *Server) handleBulkDelete(c echo.Context) error {
	var req idsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	snap, err := s.inst.BulkDelete(c.Request().Context(), req.IDs)
	return s.mutationReply(c, snap, err)
}

func (s *Server) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key := fmt.Sprintf("%d|%s", s.inst.Seq(), req.Box)
	if ids, ok := s.cache.Get(key); ok {
		return c.JSON(http.StatusOK, map[string]any{"ids": ids, "cached": true})
	}
	ids, err := s.inst.Query(c.Request().Context(), req.Box)
	if err != nil {
		return s.errorReply(err)
	}
	if ids == nil {
		ids = []string{}
	}
	s.cache.Add(key, ids)
	return c.JSON(http.StatusOK, map[string]any{"ids": ids})
}

func (s *Server) handleQueryDepth(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	depth := 0
	if req.Depth != nil {
		depth = *req.Depth
	}
	ids, err := s.inst.QueryDepth(c.Request().Context(), req.Box, depth)
	if err != nil {
		return s.errorReply(err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.Key()
	}
	return c.JSON(http.StatusOK, map[string]any{"nodes": keys})
}

func (s *Server) handleTree(c echo.Context) error {
	snap, err := s.inst.Tree(c.Request().Context())
	if err != nil {
		return s.errorReply(err)
	}
	flat, err := snap.Flatten()
	if err != nil {
		return s.errorReply(err)
	}
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = string(v)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleDump(c echo.Context) error {
	dump, err := s.inst.Dump(c.Request().Context())
	if err != nil {
		return s.errorReply(err)
	}
	return c.String(http.StatusOK, dump)
}

func (s *Server) handleMetadata(c echo.Context) error {
	md, err := s.inst.Metadata(c.Request().Context())
	if err != nil {
		return s.errorReply(err)
	}
	return c.JSON(http.StatusOK, md)
}

func (s *Server) handleNodeUp(c echo.Context) error {
	return s.membership(c, s.inst.NodeUp)
}

func (s *Server) handleNodeDown(c echo.Context) error {
	return s.membership(c, s.inst.NodeDown)
}

func (s *Server) membership(c echo.Context, fn func(context.Context, string) error) error {
	var req struct {
		Peer string `json:"peer"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := fn(c.Request().Context(), req.Peer); err != nil {
		return s.errorReply(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHealthz(c echo.Context) error {
	if err := s.inst.Check(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "err": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) mutationReply(c echo.Context, snap tree.Snapshot, err error) error {
	if err != nil {
		return s.errorReply(err)
	}
	return c.JSON(http.StatusOK, snapshotResponse{Snapshot: snap})
}

func (s *Server) errorReply(err error) error {
	switch {
	case errors.Is(err, tree.ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, tree.ErrUnknownID):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, tree.ErrInvalidBox):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, tree.ErrBadTree), errors.Is(err, ErrStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
