// Command kumod is the MTA server entry point: it loads configuration,
// wires the core pipeline (SMTP/HTTP ingress -> scheduled queues ->
// ready queues -> dispatch -> requeue) and the admin surface, then
// serves until a termination signal arrives. Grounded on
// cmd/server/main.go's load-config/construct-components/signal-handle/
// graceful-shutdown lifecycle.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaycore/kumogo/internal/adminapi"
	"github.com/relaycore/kumogo/internal/adminrule"
	"github.com/relaycore/kumogo/internal/config"
	"github.com/relaycore/kumogo/internal/dispatcher"
	egressses "github.com/relaycore/kumogo/internal/egress/ses"
	"github.com/relaycore/kumogo/internal/httpinject"
	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/metrics"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/policy"
	"github.com/relaycore/kumogo/internal/queuemanager"
	"github.com/relaycore/kumogo/internal/readyqueue"
	"github.com/relaycore/kumogo/internal/requeue"
	"github.com/relaycore/kumogo/internal/schedqueue"
	"github.com/relaycore/kumogo/internal/ses"
	"github.com/relaycore/kumogo/internal/smtpserver"
	"github.com/relaycore/kumogo/internal/spool"
	"github.com/relaycore/kumogo/internal/spool/localfs"
	"github.com/relaycore/kumogo/internal/spool/pg"
	"github.com/relaycore/kumogo/internal/timerqueue"

	"database/sql"

	_ "github.com/lib/pq"
)

func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %w", port, addr, err)
	}
	ln.Close()
	return nil
}

// readyQueueRouter lazily creates and runs one readyqueue.ReadyQueue per
// (site, source, pool) key, the connective tissue between the scheduled
// queue's onReady callback (C5/C6) and the dispatch pool (C7/C8). There
// is no prior example of this bridge in the pack; the default source/pool
// are the empty string until the scripting engine (out of scope) assigns
// a real egress pool per message.
type readyQueueRouter struct {
	hooks    policy.Hooks
	dispatch readyqueue.DispatchFunc

	mu     sync.Mutex
	queues map[readyqueue.Key]*readyqueue.ReadyQueue
}

func newReadyQueueRouter(hooks policy.Hooks, dispatch readyqueue.DispatchFunc) *readyQueueRouter {
	return &readyQueueRouter{hooks: hooks, dispatch: dispatch, queues: map[readyqueue.Key]*readyqueue.ReadyQueue{}}
}

func (r *readyQueueRouter) route(ctx context.Context, msg *mtamsg.Message) {
	_, _, _, domain := msg.QueueNameParts()
	site := domain
	if v, ok, _ := msg.GetMeta("routing_domain"); ok {
		if s, ok := v.(string); ok && s != "" {
			site = s
		}
	}

	key := readyqueue.Key{Site: site}
	r.mu.Lock()
	rq, ok := r.queues[key]
	if !ok {
		rq = readyqueue.New(key, r.hooks, 1024)
		r.queues[key] = rq
		go rq.Run(ctx, r.dispatch)
	}
	r.mu.Unlock()

	if err := rq.Enqueue(msg); err != nil {
		log.Printf("readyqueue %s: enqueue failed: %v", key, err)
	}
}

func main() {
	log.Println("kumod starting")

	cfg, err := config.LoadFromEnv("config/kumod.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := checkPortAvailable(cfg.SMTP.GetHost(), cfg.SMTP.Port); err != nil {
		log.Fatalf("pre-flight check failed (SMTP): %v", err)
	}
	if err := checkPortAvailable(cfg.HTTP.GetHost(), cfg.HTTP.Port); err != nil {
		log.Fatalf("pre-flight check failed (HTTP): %v", err)
	}
	if err := checkPortAvailable(cfg.Admin.GetHost(), cfg.Admin.Port); err != nil {
		log.Fatalf("pre-flight check failed (admin): %v", err)
	}

	if cfg.Logging.Level != "" {
		switch cfg.Logging.Level {
		case "debug":
			logging.SetLevel(logging.DEBUG)
		case "warn":
			logging.SetLevel(logging.WARN)
		case "error":
			logging.SetLevel(logging.ERROR)
		default:
			logging.SetLevel(logging.INFO)
		}
	}
	logging.SetRedactPII(cfg.Logging.RedactPII)

	var recordLog *logging.RecordLogger
	if cfg.Logging.RecordLogPath != "" {
		if cfg.Logging.RecordLogRotateBytes > 0 {
			rw, err := logging.NewRotatingWriter(
				filepath.Dir(cfg.Logging.RecordLogPath),
				filepath.Base(cfg.Logging.RecordLogPath),
				cfg.Logging.RecordLogRotateBytes,
			)
			if err != nil {
				log.Fatalf("failed to open record log: %v", err)
			}
			recordLog = logging.NewRecordLogger(rw)
		} else {
			f, err := os.OpenFile(cfg.Logging.RecordLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				log.Fatalf("failed to open record log: %v", err)
			}
			recordLog = logging.NewRecordLogger(f)
		}
	}

	var sp spool.Spool
	switch cfg.Spool.Type {
	case "pg":
		db, err := sql.Open("postgres", cfg.Spool.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to open spool database: %v", err)
		}
		sp = pg.New(db)
	default:
		fsSpool, err := localfs.New(cfg.Spool.LocalPath)
		if err != nil {
			log.Fatalf("failed to initialize local spool: %v", err)
		}
		sp = fsSpool
	}

	hooks := &policy.Static{
		DefaultQueueConfig: cfg.Queue.ToPolicy(),
		DefaultEgressPath:  cfg.Egress.ToPolicy(),
	}

	metricsReg := metrics.NewRegistry()
	messagesReceived := metricsReg.Counter("kumogo_messages_received_total", "messages accepted at ingress")
	messagesDelivered := metricsReg.Counter("kumogo_messages_delivered_total", "messages delivered")

	rules := adminrule.New()

	var dispatch readyqueue.DispatchFunc

	retry := timerqueue.RetryPolicy{
		Base:      time.Duration(cfg.Queue.RetryBaseDelay * float64(time.Second)),
		Growth:    cfg.Queue.RetryGrowth,
		JitterMax: time.Duration(cfg.Queue.RetryJitterMax * float64(time.Second)),
	}

	manager := queuemanager.New[*schedqueue.Queue]()

	singletonRegistry := schedqueue.NewRegistry()
	singletonWheel := timerqueue.NewSingletonWheel(cfg.TimerWheel.Tick(), cfg.TimerWheel.Tiers, singletonRegistry)

	var router *readyQueueRouter

	createQueue := func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		q := schedqueue.New(name, hooks, func(msg *mtamsg.Message) {
			router.route(ctx, msg)
		}, schedqueue.WithSingletonWheel(singletonWheel), schedqueue.WithRecordLogger(recordLog))
		singletonRegistry.Register(q)
		return q, nil
	}

	coordinator := requeue.New(hooks, sp, manager, recordLog, retry, createQueue)

	var signalsProvider adminapi.SignalsProvider

	if cfg.SES.Enabled {
		sesClient, err := egressses.NewClient(context.Background(), egressses.Config{
			Region:    cfg.SES.Region,
			AccessKey: cfg.SES.AccessKey,
			SecretKey: cfg.SES.SecretKey,
		})
		if err != nil {
			log.Fatalf("failed to initialize SES client: %v", err)
		}
		target := egressses.NewTarget(sesClient, sp, coordinator, recordLog, messagesDelivered)
		dispatch = target.Deliver

		vdmClient, err := ses.NewClient(context.Background(), cfg.SES)
		if err != nil {
			log.Printf("deliverability signals disabled: failed to initialize SES VDM client: %v", err)
		} else {
			signalsProvider = vdmSignalsAdapter{vdmClient}
		}
	} else {
		d := dispatcher.New("default", "", "", hooks, sp,
			dispatcher.WithRequeuer(coordinator),
			dispatcher.WithRecordLogger(recordLog),
			dispatcher.WithMetrics(messagesDelivered),
		)
		dispatch = d.Deliver
	}

	router = newReadyQueueRouter(hooks, dispatch)

	adminOpts := []adminapi.Option{
		adminapi.WithBearerToken(cfg.Admin.BearerToken),
		adminapi.WithRecordLogger(recordLog),
	}
	if signalsProvider != nil {
		adminOpts = append(adminOpts, adminapi.WithSignals(signalsProvider))
	}
	adminSvc := adminapi.New(manager, rules, metricsReg, createQueue, adminOpts...)
	wrapped := adminSvc.WrapCreate(createQueue)
	queueCreator := func(ctx context.Context, name string) (*schedqueue.Queue, error) {
		return wrapped(ctx, name)
	}

	smtpSrv := smtpserver.New(cfg.SMTP.Hostname, hooks, sp, manager, queueCreator,
		smtpserver.WithReadTimeout(cfg.SMTP.ReadTimeout()),
		smtpserver.WithMaxMessageSize(cfg.SMTP.MaxMessageSize),
		smtpserver.WithMaxRecipients(cfg.SMTP.MaxRecipients),
		smtpserver.WithRecordLogger(recordLog),
		smtpserver.WithTrace(adminSvc.Tracer().Emit),
		smtpserver.WithMetrics(messagesReceived),
	)

	injectMonitor := httpinject.NewMonitor(cfg.HTTP.MaxInFlight)
	injectSvc := httpinject.New(hooks, sp, manager, queueCreator, recordLog, injectMonitor, messagesReceived)

	ctx, cancel := context.WithCancel(context.Background())

	stopSweep := make(chan struct{})
	go singletonWheel.Run(stopSweep, cfg.TimerWheel.Tick())
	go maintainIdleQueues(ctx, manager, singletonRegistry, time.Duration(cfg.Queue.MaintainerIdle)*time.Second)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.SMTP.GetHost(), cfg.SMTP.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("SMTP listener failed: %v", err)
		}
		log.Printf("SMTP listening on %s", addr)
		smtpSrv.Serve(ctx, ln)
	}()

	injectRouter := chi.NewRouter()
	injectSvc.Routes(injectRouter)
	injectHTTPSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.HTTP.GetHost(), cfg.HTTP.Port), Handler: injectRouter}
	go func() {
		log.Printf("HTTP inject listening on %s", injectHTTPSrv.Addr)
		if err := injectHTTPSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP inject server error: %v", err)
		}
	}()

	adminRouter := chi.NewRouter()
	adminSvc.Routes(adminRouter)
	adminHTTPSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Admin.GetHost(), cfg.Admin.Port), Handler: adminRouter}
	go func() {
		log.Printf("Admin API listening on %s", adminHTTPSrv.Addr)
		if err := adminHTTPSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("shutting down")

	close(stopSweep)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = injectHTTPSrv.Shutdown(shutdownCtx)
	_ = adminHTTPSrv.Shutdown(shutdownCtx)

	log.Println("kumod stopped")
}

// vdmSignalsAdapter satisfies adminapi.SignalsProvider over *ses.Client's
// concretely-typed GetSummary/GetSignals, so internal/adminapi doesn't
// need to import the AWS SES VDM client just to expose two read-only
// routes over it.
type vdmSignalsAdapter struct {
	client *ses.Client
}

func (a vdmSignalsAdapter) GetSummary(ctx context.Context, from, to time.Time) (interface{}, error) {
	return a.client.GetSummary(ctx, from, to)
}

func (a vdmSignalsAdapter) GetSignals(ctx context.Context, from, to time.Time) (interface{}, error) {
	return a.client.GetSignals(ctx, from, to)
}

// maintainIdleQueues periodically evicts scheduled queues that have been
// empty and untouched past the configured grace period (§3.3).
func maintainIdleQueues(ctx context.Context, manager *queuemanager.Manager[*schedqueue.Queue], registry *schedqueue.Registry, grace time.Duration) {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	ticker := time.NewTicker(grace / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range registry.Maintain(time.Now(), grace) {
				manager.Evict(name)
			}
		}
	}
}
