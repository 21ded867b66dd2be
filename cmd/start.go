package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/lodestar/bulk"
	"github.com/luma/lodestar/cluster"
	"github.com/luma/lodestar/cursor"
	"github.com/luma/lodestar/dispatch"
	"github.com/luma/lodestar/internal/env"
	"github.com/luma/lodestar/stream"
	"github.com/luma/lodestar/task"
	"github.com/luma/lodestar/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for tcp clients on
	port int

	reuseport bool
	trace     bool
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 7363, "The port to listen client connections on")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.BoolVar(&reuseport, "reuseport", true, "Accept connections on one SO_REUSEPORT listener per CPU")
	flags.BoolVar(&trace, "trace", false, "Log every frame written to clients")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the lodestar cache server",
	Long: `Start up the lodestar cache server

Usage
	lodestar start

Settings are read from LODESTAR_* environment variables and an optional
.env.local file.
`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf)
		if err != nil {
			return err
		}
		defer log.Sync() // nolint:errcheck

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		engine, closeEngine, err := openEngine(ctx, conf, log.Named("engine"))
		if err != nil {
			return err
		}

		nodeAddress := conf.NodeAddress
		if nodeAddress == "" {
			nodeAddress = net.JoinHostPort(host, strconv.Itoa(port))
		}

		topology := cluster.NewTopology(nodeAddress, cluster.View{ID: conf.ViewID, Nodes: conf.Peers})

		tasks := task.NewRegistry(task.Options{
			NodeAddress: nodeAddress,
			BatchSize:   conf.ChunkSize,
			Retention:   conf.TaskRetention,
		}, log.Named("tasks"))
		executor := task.NewExecutor(tasks, engine, task.ExecutorOptions{
			Workers:        conf.TaskWorkers,
			MaxResultBytes: conf.TaskMaxBytes,
		}, log.Named("executor"))
		executor.Start(ctx)

		dispatcher := dispatch.New(dispatch.Options{
			Engine:   engine,
			Topology: topology,
			Streams:  stream.NewManager(engine, stream.Options{MaxIO: conf.MaxStreamIO}, log.Named("streams")),
			Readers: cursor.NewRegistry(cursor.Options{
				ChunkSize:     conf.ChunkSize,
				MaxChunkBytes: conf.MaxChunkBytes,
			}, log.Named("readers")),
			Tasks:          tasks,
			Executor:       executor,
			Bulk:           bulk.NewAggregator(log.Named("bulk")),
			RequestTimeout: conf.RequestTimeout,
			Log:            log.Named("dispatch"),
		})

		router := setupRouter(conf.DebugHTTP, log)

		// Ping test
		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "node": nodeAddress})
		})

		router.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, dispatcher.Stats())
		})

		s := &http.Server{
			Addr:    net.JoinHostPort(host, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		tcp := transport.NewTCP(transport.Options{
			Host:       host,
			Port:       port,
			Reuseport:  reuseport,
			Trace:      trace,
			Dispatcher: dispatcher,
			Log:        log.Named("transport"),
		})

		if err := tcp.Start(ctx); err != nil {
			executor.Close()
			closeEngine()
			return err
		}

		log.Info("Listening",
			zap.Any("config", conf),
			zap.String("node", nodeAddress),
			zap.String("host", host),
			zap.Int("port", port),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(ctx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := tcp.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		if err := executor.Close(); err != nil {
			log.Error("Task executor failed to stop", zap.Error(err))
		}

		if err := closeEngine(); err != nil {
			log.Error("Failed to close the engine", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Access log in RFC3339 UTC, health checks are too noisy to keep
	r.Use(ginzap.GinzapWithConfig(log.Named("http"), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health", "/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
