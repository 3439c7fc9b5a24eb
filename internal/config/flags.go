package config

import (
	"flag"
	"os"

	"github.com/advbbs/advbbs/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
//	-callsign string   this BBS's callsign
//	-d string          PostgreSQL DSN
//	-max-hops int       RAP max_hops ceiling
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-callsign", "-d", "-max-hops"})

	fs := flag.NewFlagSet("advbbs", flag.ContinueOnError)
	fs.StringVar(&config.Callsign, "callsign", config.Callsign, "this BBS's callsign")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	maxHops := fs.Int("max-hops", config.MaxHops, "RAP max_hops ceiling")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
	config.MaxHops = *maxHops
}
