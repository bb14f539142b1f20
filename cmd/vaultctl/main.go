// vaultctl drives the pairing and sync watch flows from the command line:
// it starts a ticket on the server, then polls it to a terminal state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/akosenkov/passvault/internal/client/api"
	"github.com/akosenkov/passvault/internal/client/poll"
)

const requestTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "pair-watch":
		err = pairWatch(os.Args[2:])
	case "sync-watch":
		err = syncWatch(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "vaultctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  vaultctl pair-watch -server URL -token TOKEN -type PASSTYPE [-payload k=v,k=v] [-ttl SECONDS]
  vaultctl sync-watch -server URL -token TOKEN -device DEVICE_ID [-trigger manual] [-types passwords,notes]

The token may also be supplied via the VAULT_TOKEN environment variable.`)
}

func newClient(server, token string) (*api.Client, error) {
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, errors.New("missing token (use -token or VAULT_TOKEN)")
	}
	return api.New(server, token, requestTimeout)
}

func pairWatch(args []string) error {
	fs := flag.NewFlagSet("pair-watch", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "server base URL")
	token := fs.String("token", "", "bearer token")
	passType := fs.String("type", "", "pass type of the session")
	payload := fs.String("payload", "", "comma-separated k=v pairs to seed the session")
	ttl := fs.Int("ttl", 0, "session TTL in seconds (0 = server default)")
	timeout := fs.Int("attempts", poll.DefaultMaxAttempts, "status polls before giving up")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*server, *token)
	if err != nil {
		return err
	}

	ctx := context.Background()
	session, err := client.CreateSession(ctx, api.CreateSessionRequest{
		PassType:   *passType,
		Payload:    parsePairs(*payload),
		TTLSeconds: *ttl,
	})
	if err != nil {
		return err
	}

	fmt.Println("session:", session.SessionID)
	fmt.Println("scan:   ", session.QRPayload)
	fmt.Println("expires:", session.ExpiresAt.Format(time.RFC3339))

	p := poll.New(poll.WithMaxAttempts[*api.SessionStatus](*timeout))
	status, err := p.Wait(ctx, func(ctx context.Context) (*api.SessionStatus, bool, error) {
		st, err := client.GetSession(ctx, session.SessionID)
		if err != nil {
			return nil, false, err
		}
		return st, st.Status != "pending", nil
	})
	if errors.Is(err, poll.ErrPollTimeout) {
		fmt.Println("status: still pending, giving up")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println("status:", status.Status)
	for k, v := range status.Resolution {
		fmt.Printf("  %s = %s\n", k, v)
	}
	return nil
}

func syncWatch(args []string) error {
	fs := flag.NewFlagSet("sync-watch", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "server base URL")
	token := fs.String("token", "", "bearer token")
	device := fs.String("device", "", "device id to sync")
	trigger := fs.String("trigger", "manual", "trigger kind")
	types := fs.String("types", "", "comma-separated data types (empty = device defaults)")
	timeout := fs.Int("attempts", poll.DefaultMaxAttempts, "status polls before giving up")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*server, *token)
	if err != nil {
		return err
	}

	ctx := context.Background()
	run, err := client.InitiateRun(ctx, api.InitiateRunRequest{
		DeviceID:  *device,
		Trigger:   *trigger,
		DataTypes: splitList(*types),
	})
	if err != nil {
		return err
	}

	fmt.Println("run:", run.ID)

	p := poll.New(poll.WithMaxAttempts[*api.Run](*timeout))
	final, err := p.Wait(ctx, func(ctx context.Context) (*api.Run, bool, error) {
		r, err := client.GetRun(ctx, run.ID)
		if err != nil {
			return nil, false, err
		}
		return r, r.Terminal(), nil
	})
	if errors.Is(err, poll.ErrPollTimeout) {
		fmt.Println("status: still running, giving up")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println("status:", final.Status)
	fmt.Printf("items: %d (%d bytes) in %dms\n", final.TotalItems, final.TotalBytes, final.DurationMS)
	for cat, n := range final.Counts {
		fmt.Printf("  %s: %d\n", cat, n)
	}
	for _, c := range final.Conflicts {
		fmt.Printf("conflict %d: %s %s (%s)\n", c.Index, c.ItemType, c.ItemID, c.Kind)
	}
	return nil
}

func parsePairs(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, v, found := strings.Cut(pair, "=")
		if found {
			out[k] = v
		}
	}
	return out
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
