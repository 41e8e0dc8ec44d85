package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/aneshas/eventsourced"
	"github.com/aneshas/eventsourced/entity"
	"github.com/aneshas/eventsourced/example/counter"
	"github.com/aneshas/eventsourced/opsapi"
)

const totalsProjection = "counter-totals"

var (
	configPath = flag.String("config", "", "path to a yaml config file")
	addr       = flag.String("addr", ":8080", "http listen address")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := start(logger); err != nil {
		logger.Error("counter service failed", "error", err)
		os.Exit(1)
	}
}

func start(logger *slog.Logger) error {
	cfg, err := eventsourced.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	defer stop()

	return run(ctx, cfg, ln, logger)
}

// run serves the counter api on ln until ctx is done. It returns only after
// the projector stopped and the store is closed.
func run(ctx context.Context, cfg eventsourced.Config, ln net.Listener, logger *slog.Logger) (err error) {
	tp := sdktrace.NewTracerProvider()

	defer func() {
		err = errors.Join(err, tp.Shutdown(context.Background()))
	}()

	store, err := eventsourced.Connect(
		ctx,
		cfg,
		eventsourced.WithLogger(logger),
		eventsourced.WithTracerProvider(tp),
	)
	if err != nil {
		_ = ln.Close()

		return err
	}

	// registered after tp so that the store is closed first
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	counters := entity.NewExecutor(
		counter.Kind(),
		store.Log,
		store.Hydrator,
		entity.WithSnapshotEvery(cfg.SnapshotEvery),
		entity.WithLogger(logger),
	)

	totals := counter.NewTotals()
	projector := store.NewProjector()

	if err := totals.Attach(ctx, projector, totalsProjection); err != nil {
		_ = ln.Close()

		return err
	}

	e := opsapi.New(projector)

	e.Listener = ln

	e.GET("/counters/:id", getCounter(counters, totals))
	e.POST("/counters/:id/inc", execCounter(counters, counter.Inc))
	e.POST("/counters/:id/dec", execCounter(counters, counter.Dec))

	ctx, cancel := context.WithCancel(ctx)

	defer cancel()

	projected := make(chan error, 1)

	go func() {
		projected <- projector.Run(ctx)
	}()

	served := make(chan error, 1)

	go func() {
		served <- e.Start(ln.Addr().String())
	}()

	logger.Info("counter service started", "addr", ln.Addr().String(), "broker", cfg.BrokerAddress)

	select {
	case <-ctx.Done():
	case err = <-served:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)

	defer cancelShutdown()

	err = errors.Join(err, e.Shutdown(shutdownCtx))

	// the projector persists its cursors one final time before returning
	if perr := <-projected; perr != nil {
		err = errors.Join(err, perr)
	}

	logger.Info("counter service stopped")

	return err
}

type amountReq struct {
	By uint64 `json:"by"`
}

type counterResp struct {
	ID        string `json:"id"`
	Value     uint64 `json:"value"`
	SeqNo     uint64 `json:"seq_no"`
	Projected uint64 `json:"projected"`
}

func getCounter(x *entity.Executor[uint64, any], totals *counter.Totals) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")

		v, seq, err := x.Get(c.Request().Context(), id)
		if err != nil {
			return httpErr(err)
		}

		projected, _ := totals.Value(id)

		return c.JSON(http.StatusOK, counterResp{
			ID:        id,
			Value:     v,
			SeqNo:     uint64(seq),
			Projected: projected,
		})
	}
}

func execCounter(x *entity.Executor[uint64, any], cmd func(uint64) entity.Cmd[uint64, any]) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req amountReq

		if err := c.Bind(&req); err != nil {
			return err
		}

		id := c.Param("id")

		v, seq, err := x.Exec(c.Request().Context(), id, cmd(req.By))
		if err != nil {
			return httpErr(err)
		}

		return c.JSON(http.StatusOK, counterResp{
			ID:    id,
			Value: v,
			SeqNo: uint64(seq),
		})
	}
}

func httpErr(err error) error {
	switch {
	case errors.Is(err, eventsourced.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, counter.ErrOverflow), errors.Is(err, counter.ErrUnderflow):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, eventsourced.ErrConcurrencyConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case eventsourced.Retryable(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}
