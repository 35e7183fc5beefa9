// Command toursync-watch follows a tour's live notification stream in a
// terminal and can send check-ins and SOS alerts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/toursync/toursync/internal/geo"
	"github.com/toursync/toursync/internal/notify"
	"github.com/toursync/toursync/internal/notify/client"
)

const usage = `Usage: toursync-watch <command> [options]

Commands:
  watch     follow the notification stream (default)
  checkin   check in at a checkpoint
  sos       raise an emergency alert

Run "toursync-watch <command> -help" for command options.
The bearer token is read from -token or TOURSYNC_TOKEN.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "toursync-watch: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by every command.
type commonFlags struct {
	api     string
	token   string
	verbose bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.api, "api", envOr("TOURSYNC_API", "http://localhost:8080"), "API base URL")
	fs.StringVar(&c.token, "token", os.Getenv("TOURSYNC_TOKEN"), "bearer token")
	fs.BoolVar(&c.verbose, "v", false, "log connection details to stderr")
}

func (c *commonFlags) logger(stderr io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := "watch"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "watch":
		return runWatch(ctx, args, stdout, stderr)
	case "checkin":
		return runCheckIn(ctx, args, stdout, stderr)
	case "sos":
		return runSOS(ctx, args, stdout, stderr)
	case "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runWatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common.register(fs)
	tour := fs.String("tour", "", "tour to follow (defaults to every tour in the token)")
	bell := fs.Bool("bell", true, "ring the terminal bell on critical alerts")
	retries := fs.Uint64("retries", client.DefaultMaxRetryAttempts, "consecutive reconnect attempts before giving up (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if common.token == "" {
		return errors.New("a token is required")
	}

	url := strings.TrimSuffix(common.api, "/") + "/api/notifications/stream"
	if *tour != "" {
		url += "?tour_id=" + *tour
	}

	cfg := client.DefaultConfig(url, common.token)
	cfg.MaxRetryAttempts = *retries
	cfg.Toaster = client.WriterToaster{W: stdout}
	if *bell {
		cfg.AudioPlayer = client.BellPlayer{W: stdout}
	}
	cfg.OnStateChange = func(state client.State, err error) {
		if err != nil {
			fmt.Fprintf(stderr, "stream %s: %v\n", state, err)
			return
		}
		fmt.Fprintf(stderr, "stream %s\n", state)
	}
	cfg.OnNotification = func(n notify.Notification) {
		if n.Type == notify.TypeAnnouncement {
			fmt.Fprintf(stdout, "%s announcement: %s: %s\n", n.Timestamp.Local().Format("15:04:05"), n.Title, n.Message)
		}
	}

	consumer, err := client.New(cfg, common.logger(stderr))
	if err != nil {
		return err
	}
	err = consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runCheckIn(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	fs := flag.NewFlagSet("checkin", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common.register(fs)
	tour := fs.String("tour", "", "tour ID (required)")
	checkpoint := fs.String("checkpoint", "", "checkpoint ID")
	at := fs.String("at", "", "current position as lat,lng (required)")
	place := fs.String("place", "", "place to check in at as lat,lng, instead of a checkpoint")
	date := fs.String("date", "", "attendance date, YYYY-MM-DD (defaults to today)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if common.token == "" {
		return errors.New("a token is required")
	}
	if *tour == "" {
		return errors.New("-tour is required")
	}

	position, err := locate(ctx, *at)
	if err != nil {
		return err
	}
	req := client.CheckInRequest{
		TourID:       *tour,
		CheckpointID: *checkpoint,
		LocationLat:  &position.Lat,
		LocationLng:  &position.Lng,
		Date:         *date,
	}
	if *place != "" {
		p, err := geo.ParsePoint(*place)
		if err != nil {
			return fmt.Errorf("-place: %w", err)
		}
		req.PlaceLat, req.PlaceLng = &p.Lat, &p.Lng
	}

	result, err := client.NewAPIClient(common.api, common.token, nil).CheckIn(ctx, req)
	if err != nil {
		return err
	}
	if e := result.Evaluation; e != nil {
		fmt.Fprintf(stdout, "checked in: %s from the checkpoint (limit %s)\n",
			geo.FormatDistance(e.DistanceMeters), geo.FormatDistance(e.RadiusMeters))
		return nil
	}
	fmt.Fprintln(stdout, "checked in")
	return nil
}

func runSOS(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	fs := flag.NewFlagSet("sos", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common.register(fs)
	tour := fs.String("tour", "", "tour ID (required)")
	at := fs.String("at", "", "current position as lat,lng")
	message := fs.String("m", "", "description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if common.token == "" {
		return errors.New("a token is required")
	}
	if *tour == "" {
		return errors.New("-tour is required")
	}

	req := client.SOSRequest{TourID: *tour, Description: *message}
	if *at != "" {
		position, err := locate(ctx, *at)
		if err != nil {
			return err
		}
		req.Location = position.String()
	}

	result, err := client.NewAPIClient(common.api, common.token, nil).SOS(ctx, req, uuid.NewString())
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "SOS sent (notification %s)\n", result.NotificationID)
	return nil
}

// locate resolves the -at flag. The terminal has no positioning hardware, so
// the position always comes from the command line.
func locate(ctx context.Context, at string) (geo.Point, error) {
	if at == "" {
		return geo.Point{}, fmt.Errorf("-at: %w", geo.ErrLocationUnavailable)
	}
	p, err := geo.ParsePoint(at)
	if err != nil {
		return geo.Point{}, fmt.Errorf("-at: %w", err)
	}
	return client.LocateWithTimeout(ctx, client.StaticLocator(p), 0)
}
