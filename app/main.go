package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/joho/godotenv"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/hireboard/app/ninehire"
	"github.com/umputun/hireboard/app/store"
	"github.com/umputun/hireboard/app/web"
)

var opts struct {
	Listen        string  `short:"l" long:"listen" env:"HIREBOARD_LISTEN" default:":8080" description:"web server listen address"`
	AuthRateLimit float64 `long:"auth-rate" env:"HIREBOARD_AUTH_RATE" default:"5" description:"max password checks per second per ip, 0 to disable"`
	Dbg           bool    `long:"dbg" env:"DEBUG" description:"debug mode"`

	NineHire struct {
		APIKey   string        `long:"api-key" env:"API_KEY" required:"true" description:"NineHire API key"`
		URL      string        `long:"url" env:"URL" default:"https://api.ninehire.com/api/v1" description:"NineHire API root"`
		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"timeout of a single page request"`
		MaxPages int           `long:"max-pages" env:"MAX_PAGES" default:"1000" description:"max pages fetched per job"`
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to try each page request"`
		Backoff  time.Duration `long:"backoff" env:"BACKOFF" default:"1s" description:"initial delay between attempts"`
	} `group:"ninehire" namespace:"ninehire" env-namespace:"NINEHIRE"`

	DB struct {
		Path  string `long:"path" env:"PATH" default:"settings.db" description:"settings database file"`
		Reset bool   `long:"reset" env:"RESET" description:"drop all saved settings on start"`
	} `group:"db" namespace:"db" env-namespace:"HIREBOARD_DB"`

	Log struct {
		Filename        string `long:"file" env:"FILE" description:"log file, stdout if not set"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max days to keep old log files"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of old log files"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"gzip rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"HIREBOARD_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("hireboard %s\n", revision)

	// .env is optional, variables already set in the environment take precedence
	envErr := godotenv.Load()

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		log.Printf("[WARN] failed to load .env, %v", envErr)
	}

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT, SIGINT and SIGTERM

	if err := run(ctx); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	log.Printf("[INFO] hireboard stopped")
}

// run opens settings store, makes applicants client and serves web api until ctx is canceled
func run(ctx context.Context) error {
	st, err := store.NewSQLiteStore(opts.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to open settings store %s: %w", opts.DB.Path, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("[WARN] failed to close settings store: %v", err)
		}
	}()

	if opts.DB.Reset {
		log.Printf("[WARN] reset requested, all saved settings in %s dropped", opts.DB.Path)
		if err := st.Reset(); err != nil {
			return fmt.Errorf("failed to reset settings store: %w", err)
		}
	}

	srv, err := web.New(web.Config{
		Store:         st,
		Applicants:    makeApplicantsClient(),
		Version:       revision,
		AuthRateLimit: opts.AuthRateLimit,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx, opts.Listen)
}

func makeApplicantsClient() *ninehire.Client {
	attempts := opts.NineHire.Attempts
	if attempts < 1 {
		attempts = 1
	}
	rptr := repeater.New(&strategy.Backoff{Repeats: attempts, Duration: opts.NineHire.Backoff, Factor: 2, Jitter: true})

	log.Printf("[INFO] applicants api %s, timeout %v, attempts %d", opts.NineHire.URL, opts.NineHire.Timeout, attempts)
	return ninehire.New(ninehire.Params{
		BaseURL:  opts.NineHire.URL,
		APIKey:   opts.NineHire.APIKey,
		Timeout:  opts.NineHire.Timeout,
		MaxPages: opts.NineHire.MaxPages,
		Repeater: rptr,
	})
}

// setupLogs configures global logger and returns the writer it logs to
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxAge:     opts.Log.MaxAge,
			MaxBackups: opts.Log.MaxBackups,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	logOpts := []log.Option{log.Out(out), log.Msec, log.LevelBraces}
	if opts.NineHire.APIKey != "" {
		logOpts = append(logOpts, log.Secret(opts.NineHire.APIKey))
	}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, shutting down", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
}
