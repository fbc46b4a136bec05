package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/audio"
	"github.com/blwfish/test-and-calibration-track/internal/storage"
	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

type dashboard struct {
	store *storage.Store
	log   logrus.FieldLogger
}

// NewDashboard builds the read-only JSON API over the store, plus the live
// progress websocket when hub is not nil.
func NewDashboard(store *storage.Store, hub *ProgressHub, log logrus.FieldLogger) *gin.Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	d := &dashboard{store: store, log: log.WithField("component", "web")}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(d.log))

	api := router.Group("/api")
	api.GET("/locos", d.getLocos)
	api.GET("/locos/:roster/runs", d.getRuns)
	api.GET("/runs/:id/speed", d.getSpeed)
	api.GET("/runs/:id/audio", d.getAudio)
	api.GET("/fleet/audio", d.getFleet)

	if hub != nil {
		router.GET("/ws/progress", gin.WrapH(hub))
	}
	return router
}

func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		latency := int(math.Ceil(float64(time.Since(start).Nanoseconds()) / 1e6))
		status := c.Writer.Status()

		entry := logger.WithFields(logrus.Fields{
			"statusCode": status,
			"latency":    latency,
			"method":     c.Request.Method,
			"path":       path,
		})
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}
		msg := fmt.Sprintf("%s %s %d (%dms)", c.Request.Method, path, status, latency)
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(msg)
		case status >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}

// fail maps storage errors to a status and aborts the request.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.IndentedJSON(status, gin.H{"error": err.Error()})
	_ = c.AbortWithError(status, err)
}

func runID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		_ = c.AbortWithError(http.StatusBadRequest, fmt.Errorf("invalid run id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func (d *dashboard) getLocos(c *gin.Context) {
	locos, err := d.store.Locos(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, locos)
}

func (d *dashboard) getRuns(c *gin.Context) {
	ctx := c.Request.Context()
	roster := c.Param("roster")
	if _, err := d.store.Loco(ctx, roster); err != nil {
		fail(c, err)
		return
	}
	f := storage.RunFilter{RosterID: roster, RunType: c.Query("type")}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.IndentedJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			_ = c.AbortWithError(http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}
	runs, err := d.store.Runs(ctx, f)
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, runs)
}

// SpeedResponse is a stored run with its thresholds and speed table.
type SpeedResponse struct {
	Run        storage.Run          `json:"run"`
	Thresholds map[string]int       `json:"motion_thresholds"`
	Entries    []storage.SpeedEntry `json:"entries"`
}

func (d *dashboard) getSpeed(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	run, err := d.store.Run(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	resp := SpeedResponse{Run: run}
	if resp.Thresholds, err = d.store.MotionThresholds(ctx, id); err != nil {
		fail(c, err)
		return
	}
	if resp.Entries, err = d.store.SpeedEntries(ctx, id); err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, resp)
}

// AudioResponse is a stored run's audio curve.
type AudioResponse struct {
	Run    storage.Run          `json:"run"`
	Curve  []storage.CurvePoint `json:"curve"`
	MeanDB *float64             `json:"mean_db,omitempty"`
}

func (d *dashboard) getAudio(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	run, err := d.store.Run(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	curve, err := d.store.AudioCurve(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	resp := AudioResponse{Run: run, Curve: curve}
	if m, ok := audio.Mean(curve); ok {
		resp.MeanDB = &m
	}
	c.IndentedJSON(http.StatusOK, resp)
}

// FleetResponse is the graded fleet listing.
type FleetResponse struct {
	Entries []audio.FleetEntry `json:"entries"`
	Stats   *audio.FleetStats  `json:"stats,omitempty"`
}

func (d *dashboard) getFleet(c *gin.Context) {
	entries, stats, err := audio.Fleet(c.Request.Context(), d.store)
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, FleetResponse{Entries: entries, Stats: stats})
}

// WebOptions configure the standalone dashboard.
type WebOptions struct {
	Addr   string
	DBPath string
	// Bus, if set, relays live progress from a calibration running
	// elsewhere and carries cancel requests back to it.
	Bus    transport.Bus
	Topics transport.Topics
	Log    logrus.FieldLogger
}

// RunWeb serves the dashboard until ctx is done.
func RunWeb(ctx context.Context, opts WebOptions) error {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	store, err := storage.Open(ctx, opts.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var hub *ProgressHub
	if opts.Bus != nil {
		hub = NewProgressHub(RemoteCancel(opts.Bus, opts.Topics, log), log)
		if err := RelayProgress(opts.Bus, opts.Topics, hub); err != nil {
			return err
		}
		defer hub.Close()
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           NewDashboard(store, hub, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("web server listening on %s", opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if hub != nil {
		hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
