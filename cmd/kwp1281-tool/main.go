package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shaunagostinho/kwp1281-tool/internal/autobaud"
	"github.com/shaunagostinho/kwp1281-tool/internal/capture"
	"github.com/shaunagostinho/kwp1281-tool/internal/kline"
	"github.com/shaunagostinho/kwp1281-tool/internal/kwp"
	"github.com/shaunagostinho/kwp1281-tool/internal/logger"
	"github.com/shaunagostinho/kwp1281-tool/internal/runner"
	"github.com/shaunagostinho/kwp1281-tool/internal/server"
	"github.com/shaunagostinho/kwp1281-tool/web"
)

func main() {
	configPath := flag.String("config", "/etc/kwp1281-tool/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated K-line, capture unit and radio")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	preset := flag.String("preset", "", "Demo radio preset ("+fmt.Sprint(kwp.PresetNames())+")")
	once := flag.Bool("once", false, "Run a single unlock attempt and exit instead of serving the console")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if *listPorts {
		if err := printPorts(); err != nil {
			log.Fatalf("[main] %v", err)
		}
		return
	}

	log.Println("[main] kwp1281-tool starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.KLine.Type = "demo"
		cfg.Capture.Type = "demo"
		cfg.Radio.Type = "demo"
	}
	if *preset != "" {
		cfg.Radio.Preset = *preset
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if _, ok := kwp.DemoPresets[cfg.Radio.Preset]; !ok && cfg.SessionType() == "demo" {
		log.Fatalf("[main] unknown demo preset %q (have %v)", cfg.Radio.Preset, kwp.PresetNames())
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	line, engine, closeHW, err := setupHardware(ctx, cfg, *once)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer closeHW()

	r := runner.New(runner.Config{
		Port:        lineName(cfg),
		Address:     byte(cfg.KLine.Address),
		SyncTimeout: cfg.SyncTimeout(),
	}, line, engine, sessionFactory(cfg))

	if *once {
		code := runOnce(ctx, cfg, r)
		closeHW()
		os.Exit(code)
	}

	srv := server.New(cfg, r, web.FS)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("[main] server exited: %v", err)
	}
	srv.Wait()
}

// runOnce performs a single attempt and returns the process exit code.
func runOnce(ctx context.Context, cfg *server.Config, r *runner.Runner) int {
	lg := logger.New(logger.Config{Enabled: cfg.Logging.Enabled, Path: cfg.Logging.Path})
	defer lg.Close()

	a, err := r.Run(ctx)
	lg.Record(a)

	log.Printf("[main] sync: %s", a.Sync)
	if err != nil {
		log.Printf("[main] attempt failed: %v", err)
		return 1
	}
	switch {
	case a.SyncOnly:
		fmt.Printf("line synchronized at %d baud\n", a.Sync.NormalizedBaud)
	case a.SafeCode() != "":
		fmt.Printf("%s SAFE code: %s\n", a.Report.Family.Name(), a.SafeCode())
	default:
		fmt.Printf("%s: no unlock procedure (component %q, part %q)\n",
			a.Report.Family.Name(), a.Identity.Component, a.Identity.PartNumber)
		return 2
	}
	return 0
}

// sessionFactory opens the session protocol attempts run after baud sync. The
// simulated radio is only offered on the demo K-line; a module reached over a
// real line must never be answered by it.
func sessionFactory(cfg *server.Config) runner.SessionFactory {
	switch cfg.SessionType() {
	case "demo":
		return func(baud uint32) (kwp.Session, kwp.Technisat, error) {
			p, ok := kwp.DemoPresets[cfg.RadioPreset()]
			if !ok {
				return nil, nil, fmt.Errorf("unknown demo preset %q", cfg.RadioPreset())
			}
			radio := kwp.NewDemoRadio(p)
			return radio, radio.Technisat(), nil
		}
	}
	if cfg.Radio.Type == "demo" {
		log.Printf("[main] demo radio needs the demo K-line, ignoring radio.type=demo on kline.type=%s", cfg.KLine.Type)
	}
	log.Printf("[main] no session protocol configured, attempts stop after baud sync")
	return nil
}

func printPorts() error {
	ports, err := kline.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.USB {
			fmt.Printf("%s\tUSB %s:%s %s %s\n", p.Name, p.VID, p.PID, p.Serial, p.Product)
		} else {
			fmt.Println(p.Name)
		}
	}
	return nil
}

func lineName(cfg *server.Config) string {
	if cfg.KLine.Type == "demo" {
		return "demo"
	}
	return cfg.KLine.PortPath
}

// setupHardware builds the K-line and the autobaud engine on its capture unit.
// A serial port is opened in the background with retries unless blocking is
// set, in which case failing to open it is an error.
func setupHardware(ctx context.Context, cfg *server.Config, blocking bool) (runner.Line, *autobaud.Engine, func(), error) {
	engineCfg := autobaud.Config{
		TimerClockHz: cfg.Capture.TimerClockHz,
		Prescaler:    autobaud.Prescaler(cfg.Capture.Prescaler),
		PollInterval: cfg.PollInterval(),
	}

	if cfg.KLine.Type == "demo" {
		if cfg.Capture.Type != "demo" {
			log.Printf("[main] demo K-line needs the simulated capture unit, ignoring capture.type=%s", cfg.Capture.Type)
		}
		sim := capture.NewSim(cfg.Capture.TimerClockHz)
		line := &demoLine{DemoLine: kline.NewDemoLine(sim, 0), cfg: cfg}
		return line, autobaud.NewEngine(sim, engineCfg), func() { line.Close() }, nil
	}

	var hw autobaud.Hardware
	var closers []func()
	switch cfg.Capture.Type {
	case "gpio":
		g, err := capture.OpenGPIO(cfg.Capture.Pin, cfg.Capture.TimerClockHz)
		if err != nil {
			return nil, nil, nil, err
		}
		hw = g
		closers = append(closers, func() { g.Close() })
	default:
		log.Printf("[main] capture.type=%s on a serial K-line never sees the sync byte", cfg.Capture.Type)
		hw = capture.NewSim(cfg.Capture.TimerClockHz)
	}

	line := &retryLine{name: cfg.KLine.PortPath}
	openPort := func() error {
		sl, err := kline.Open(kline.Config{PortPath: cfg.KLine.PortPath, InitBaud: cfg.KLine.InitBaud})
		if err != nil {
			return err
		}
		line.set(sl)
		return nil
	}
	closers = append(closers, func() { line.Close() })
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if blocking {
		if err := openPort(); err != nil {
			closeAll()
			return nil, nil, nil, err
		}
	} else {
		go connectWithRetry(ctx, "kline", openPort, 10)
	}
	return line, autobaud.NewEngine(hw, engineCfg), closeAll, nil
}

// demoLine makes the simulated module answer at the baud rate of the demo
// preset selected at the time of the attempt.
type demoLine struct {
	*kline.DemoLine
	cfg *server.Config
}

func (d *demoLine) AddressInit(ctx context.Context, addr byte) error {
	if p, ok := kwp.DemoPresets[d.cfg.RadioPreset()]; ok {
		d.SetRadioBaud(p.Baud)
	}
	return d.DemoLine.AddressInit(ctx, addr)
}

// retryLine is a serial K-line that becomes usable once connectWithRetry has
// opened the port. Attempts before then fail immediately.
type retryLine struct {
	name string

	mu   sync.Mutex
	line *kline.SerialLine
}

var errNotConnected = errors.New("K-line interface not connected yet")

func (l *retryLine) set(sl *kline.SerialLine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.line = sl
}

func (l *retryLine) get() (*kline.SerialLine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil {
		return nil, fmt.Errorf("%s: %w", l.name, errNotConnected)
	}
	return l.line, nil
}

func (l *retryLine) AddressInit(ctx context.Context, addr byte) error {
	sl, err := l.get()
	if err != nil {
		return err
	}
	return sl.AddressInit(ctx, addr)
}

func (l *retryLine) SetBaud(baud uint32) error {
	sl, err := l.get()
	if err != nil {
		return err
	}
	return sl.SetBaud(baud)
}

func (l *retryLine) Close() error {
	sl, err := l.get()
	if err != nil {
		return nil
	}
	return sl.Close()
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, connect func() error, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
