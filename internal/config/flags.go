package config

import (
	"flag"
	"io"
	"time"
)

// Flags holds the command line surface. Only flags the user actually passed
// override values from the file and environment.
type Flags struct {
	ConfigPath   string
	DBPath       string
	IntervalSec  int
	MinVolume    float64
	MinLiquidity float64
	Once         bool
	Trades       bool
	Verbose      bool

	set map[string]bool
}

// ParseFlags parses args (without the program name)
func ParseFlags(name string, args []string, output io.Writer) (*Flags, error) {
	f := &Flags{set: make(map[string]bool)}
	def := Default()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.ConfigPath, "config", "", "path to YAML config file (env CONFIG_FILE)")
	fs.StringVar(&f.DBPath, "db-path", def.DatabasePath, "path to SQLite database")
	fs.IntVar(&f.IntervalSec, "interval", int(def.Interval/time.Second), "recording interval in seconds")
	fs.Float64Var(&f.MinVolume, "min-volume", def.MinVolume, "minimum 24h volume filter")
	fs.Float64Var(&f.MinLiquidity, "min-liquidity", def.MinLiquidity, "minimum liquidity filter")
	fs.BoolVar(&f.Once, "once", false, "run one cycle and exit")
	fs.BoolVar(&f.Trades, "trades", false, "enable real-time trade streaming via websocket")
	fs.BoolVar(&f.Verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&f.Verbose, "v", false, "shorthand for -verbose")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	fs.Visit(func(fl *flag.Flag) {
		f.set[fl.Name] = true
	})

	return f, nil
}

// Apply copies explicitly set flags onto cfg
func (f *Flags) Apply(cfg *Config) {
	if f.set["db-path"] {
		cfg.DatabasePath = f.DBPath
	}
	if f.set["interval"] {
		cfg.Interval = time.Duration(f.IntervalSec) * time.Second
	}
	if f.set["min-volume"] {
		cfg.MinVolume = f.MinVolume
	}
	if f.set["min-liquidity"] {
		cfg.MinLiquidity = f.MinLiquidity
	}
	if f.set["once"] {
		cfg.Once = f.Once
	}
	if f.set["trades"] {
		cfg.Trades = f.Trades
	}
	if f.set["verbose"] || f.set["v"] {
		cfg.Verbose = f.Verbose
	}
}
