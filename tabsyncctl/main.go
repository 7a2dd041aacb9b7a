package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"beatwave.audio/tabsync/coordinate"
	"beatwave.audio/tabsync/relay"
)

const TabSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Tab sync control.

Usage:
    tabsyncctl relay --port=<port> --secret=<secret>
    tabsyncctl token --secret=<secret> --user_id=<user_id>
        [--expire_hours=<expire_hours>]
    tabsyncctl sim --relay_url=<relay_url> --secret=<secret>
        --user_id=<user_id>
        [--tab_count=<tab_count>]
        [--message_count=<message_count>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --port=<port>                    Relay listen port.
    --secret=<secret>                Session token signing secret.
    --user_id=<user_id>              Logical user session id.
    --expire_hours=<expire_hours>    Token expiry in hours [default: 24].
    --relay_url=<relay_url>          Relay websocket url, e.g. ws://127.0.0.1:7600
    --tab_count=<tab_count>          Simulated tab count [default: 2].
    --message_count=<message_count>  Broadcasts per simulated tab [default: 4].`

	// glog flags (e.g. -v, -logtostderr) come after the command args
	flag.CommandLine.Parse([]string{"-logtostderr=true"})

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TabSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		runRelay(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		mintToken(opts)
	} else if sim_, _ := opts.Bool("sim"); sim_ {
		runSim(opts)
	}
}

func runRelay(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	secret, _ := opts.String("--secret")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	r := relay.NewRelayWithDefaults(cancelCtx, []byte(secret))
	defer r.Close()

	if err := r.ListenAndServe(fmt.Sprintf(":%d", port)); err != nil {
		Err.Printf("relay exited = %s", err)
	}
}

func mintToken(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	userId, _ := opts.String("--user_id")
	expireHoursStr, _ := opts.String("--expire_hours")
	expireHours, err := strconv.Atoi(expireHoursStr)
	if err != nil {
		expireHours = 24
	}

	byJwt, err := coordinate.MintSessionToken(
		[]byte(secret),
		userId,
		coordinate.NewId(),
		time.Duration(expireHours)*time.Hour,
	)
	if err != nil {
		Err.Printf("mint error = %s", err)
		return
	}
	Out.Printf("%s", byJwt)
}

// runs simulated tabs of one user session against a relay and prints what
// each tab observes
func runSim(opts docopt.Opts) {
	relayUrl, _ := opts.String("--relay_url")
	secret, _ := opts.String("--secret")
	userId, _ := opts.String("--user_id")
	tabCount, _ := opts.Int("--tab_count")
	messageCount, _ := opts.Int("--message_count")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinators := []*coordinate.Coordinator{}
	for i := 0; i < tabCount; i += 1 {
		tabId := coordinate.NewId()
		byJwt, err := coordinate.MintSessionToken([]byte(secret), userId, tabId, 1*time.Hour)
		if err != nil {
			Err.Printf("mint error = %s", err)
			return
		}

		transport := coordinate.NewRelayTransportWithDefaults(cancelCtx, relayUrl, byJwt)
		settings := coordinate.DefaultCoordinatorSettings()
		settings.HeartbeatInterval = 1 * time.Second
		settings.TabTimeout = 3 * time.Second

		coordinator, err := coordinate.NewCoordinator(
			cancelCtx,
			userId,
			&coordinate.Env{
				Transport: transport,
				Focus:     coordinate.NewWindowFocus(i == 0),
				Url:       fmt.Sprintf("sim://tab/%d", i),
				UserAgent: "tabsyncctl-sim",
			},
			settings,
		)
		if err != nil {
			Err.Printf("coordinator error = %s", err)
			return
		}
		defer coordinator.Destroy()

		tabIndex := i
		coordinator.On(coordinate.MessageTypeDataUpdate, func(event *coordinate.Event) {
			Out.Printf("tab %d <- data update %s = %s", tabIndex, event.DataUpdate.Section, event.DataUpdate.Data)
		})
		coordinator.On(coordinate.MessageTypeSyncRequest, func(event *coordinate.Event) {
			Out.Printf("tab %d <- sync request %v", tabIndex, event.Sync.Sections)
		})

		coordinators = append(coordinators, coordinator)
	}

	// let the relay connections come up
	time.Sleep(1 * time.Second)

	for i, coordinator := range coordinators {
		for j := 0; j < messageCount; j += 1 {
			coordinator.BroadcastDataUpdate(
				"favorites",
				map[string]any{"tab": i, "seq": j},
			)
			time.Sleep(100 * time.Millisecond)
		}
	}
	coordinators[0].RequestSync("favorites", "downloads")

	time.Sleep(1 * time.Second)

	for i, coordinator := range coordinators {
		Out.Printf("tab %d sees %d active tabs", i, len(coordinator.ActiveTabs()))
	}
}
