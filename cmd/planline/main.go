// Command planline is a terminal shell around the client core: it bootstraps
// a session from persisted credentials, opens the push channel, and logs the
// cache invalidations that task updates produce.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/planline/planline-go/credentials/filestore"
	"github.com/planline/planline-go/internal/config"
	"github.com/planline/planline-go/invalidation"
	"github.com/planline/planline-go/querycache"
	"github.com/planline/planline-go/realtime"
	"github.com/planline/planline-go/session"
	"github.com/planline/planline-go/tokenclient"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running client: %s\n", err)
	}
	log.Printf("Client stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	store, err := filestore.New(c.GetDataFolder())
	if err != nil {
		return fmt.Errorf("filestore.New: %w", err)
	}

	api := tokenclient.New(c.GetAPIBaseURL(), c.GetHTTPTimeout(), tokenclient.WithLogger(logger))

	manager, err := session.New(api, store,
		session.WithLogger(logger),
		session.WithDevBypassToken(c.GetDevBypassToken()),
	)
	if err != nil {
		return fmt.Errorf("session.New: %w", err)
	}

	sess := manager.Initialize(context.Background())
	logger.Info().Stringer("status", sess.Status).Msg("session bootstrapped")
	if sess.Status != session.Authenticated {
		logger.Info().Msg("no valid credentials; log in through the application first")
		return nil
	}
	logger.Info().Str("user", sess.User.Email).Msg("authenticated")

	cache := querycache.New()
	views := querycache.NewViewRegistry()
	bridge := invalidation.NewBridge(cache, views, invalidation.WithLogger(logger))

	channel := realtime.New(c.GetRealtimeURL(),
		realtime.WithLogger(logger),
		realtime.WithTokenSource(manager.AccessToken),
		realtime.WithBackoff(c.GetReconnectMinBackoff(), c.GetReconnectMaxBackoff()),
		realtime.WithKeepalive(c.GetKeepaliveInterval()),
	)
	unsubscribe := channel.Subscribe(bridge.HandleMessage)
	defer unsubscribe()

	if err := channel.Connect(context.Background()); err != nil {
		return fmt.Errorf("channel.Connect: %w", err)
	}
	defer channel.Disconnect()
	logger.Info().Str("url", c.GetRealtimeURL()).Msg("push channel connected")

	waitForStopSignal()
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
