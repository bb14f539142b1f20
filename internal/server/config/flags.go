package config

import (
	"flag"
	"os"
	"time"

	"github.com/akosenkov/passvault/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-t int      verification code validity, minutes
//	-r int      default pairing session TTL, seconds
//	-w int      pairing sweep interval, seconds
//	-q string   public base URL embedded in pairing QR payloads
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers and converted to time.Duration.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-s", "-t", "-r", "-w", "-q", "-u", "-p", "-b", "-g", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	codeValidity := fs.Int("t", int(config.CodeValidityDuration.Minutes()), "code_validity_duration (in minutes)")
	pairingTTL := fs.Int("r", int(config.PairingTTLDefault.Seconds()), "pairing_ttl_default (in seconds)")
	sweepInterval := fs.Int("w", int(config.SweepInterval.Seconds()), "sweep_interval (in seconds)")

	fs.StringVar(&config.PairingBaseURL, "q", config.PairingBaseURL, "pairing base URL")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 root bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	_ = fs.Parse(args)

	config.CodeValidityDuration = time.Duration(*codeValidity) * time.Minute
	config.PairingTTLDefault = time.Duration(*pairingTTL) * time.Second
	config.SweepInterval = time.Duration(*sweepInterval) * time.Second
}
