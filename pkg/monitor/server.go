package monitor

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	glog "github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type serverConfig struct {
	level    string
	gatherer prometheus.Gatherer
}

type ServerOption func(*serverConfig)

// WithLogLevel sets the level of the server log: debug, info, warn, error or
// off. It is info by default.
func WithLogLevel(level string) ServerOption {
	return func(c *serverConfig) { c.level = level }
}

// WithGatherer serves metrics from g at /metrics .
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(c *serverConfig) { c.gatherer = g }
}

// NewServer returns a read-only API of rec.
//
//   - GET /api/tasks[?state=STATE]
//   - GET /api/tasks/:id
//   - GET /api/blocks[?pool=POOL]
//   - GET /metrics
func NewServer(rec Recorder, options ...ServerOption) *echo.Echo {
	c := &serverConfig{level: "info"}
	for _, opt := range options {
		opt(c)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetPrefix("monitor")
	SetLevel(e, c.level)
	e.Use(LogHandlerFunc)

	e.GET("/api/tasks", GetTasksHandler(rec))
	e.GET("/api/tasks/:id", GetTaskHandler(rec))
	e.GET("/api/blocks", GetBlocksHandler(rec))
	if c.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})))
	}
	return e
}

func GetTasksHandler(rec Recorder) echo.HandlerFunc {
	return func(c echo.Context) error {
		recs, err := rec.Tasks(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
		}
		if state := c.QueryParam("state"); state != "" {
			found := []TaskRecord{}
			for _, r := range recs {
				if strings.EqualFold(r.State, state) {
					found = append(found, r)
				}
			}
			recs = found
		}
		return c.JSON(http.StatusOK, recs)
	}
}

func GetTaskHandler(rec Recorder) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		recs, err := rec.Tasks(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
		}
		for _, r := range recs {
			if r.ID == id {
				return c.JSON(http.StatusOK, r)
			}
		}
		return echo.NewHTTPError(http.StatusNotFound, "task "+id+" is not found")
	}
}

func GetBlocksHandler(rec Recorder) echo.HandlerFunc {
	return func(c echo.Context) error {
		recs, err := rec.Blocks(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
		}
		if pool := c.QueryParam("pool"); pool != "" {
			found := []BlockRecord{}
			for _, r := range recs {
				if r.Pool == pool {
					found = append(found, r)
				}
			}
			recs = found
		}
		return c.JSON(http.StatusOK, recs)
	}
}

// LogHandlerFunc logs requests and responses.
func LogHandlerFunc(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		meth := c.Request().Method
		path := c.Request().URL
		begin := time.Now()
		c.Logger().Debugf("< request %s %s", meth, path)

		err := next(c)

		c.Logger().Infof(
			"> %s %s: status = %d in %v / error = %v",
			meth, path, c.Response().Status, time.Since(begin), err,
		)
		return err
	}
}

func SetLevel(e *echo.Echo, level string) {
	switch strings.ToLower(level) {
	case "debug":
		e.Logger.SetLevel(glog.DEBUG)
	case "info", "":
		e.Logger.SetLevel(glog.INFO)
	case "warn":
		e.Logger.SetLevel(glog.WARN)
	case "error":
		e.Logger.SetLevel(glog.ERROR)
	case "off":
		e.Logger.SetLevel(glog.OFF)
	default:
		e.Logger.SetLevel(glog.INFO)
		e.Logger.Warnf("unknown log level: %s . fall back to info", level)
	}
}
