package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/habitat-network/skyfeed/internal/auth"
	"github.com/habitat-network/skyfeed/internal/utils"
	"github.com/habitat-network/skyfeed/util"
)

var errNotSignedIn = errors.New("not signed in, run `skyfeed login` first")

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:                   "login",
		Usage:                  "Sign in with a handle, DID or PDS url",
		ArgsUsage:              "<identifier>",
		MutuallyExclusiveFlags: getDBFlags(),
		Action:                 runLogin,
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:                   "whoami",
		Usage:                  "Show the signed in account",
		MutuallyExclusiveFlags: getDBFlags(),
		Action:                 runWhoami,
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:                   "logout",
		Usage:                  "Revoke and forget the signed in session",
		MutuallyExclusiveFlags: getDBFlags(),
		Action:                 runLogout,
	}
}

// runLogin prints the authorization URL and waits for the browser to come back to the
// loopback redirect.
func runLogin(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setupApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	redirect, err := url.Parse(a.oauth.RedirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect uri: %w", err)
	}
	if !isLoopback(redirect) {
		return fmt.Errorf("login needs a loopback redirect uri, got %s: run with --%s", redirect, fDev)
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("unable to listen for the redirect: %w", err)
	}

	authURL, err := a.auth.Login(ctx, cmd.Args().First(), printStatus)
	if err != nil {
		util.Close(listener)
		return err
	}
	fmt.Printf("Open this URL in a browser to sign in:\n\n  %s\n\n", authURL)

	pointer := auth.NewStorePointer(a.store)
	done := make(chan *auth.Session, 1)
	path := redirect.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		session, err := a.auth.InitOrRestore(r.Context(), r.URL.Query(), pointer)
		if err != nil {
			utils.LogAndHTTPError(w, err, "finishing sign in", http.StatusBadRequest)
			return
		}
		if session == nil {
			http.Error(w, "no authorization in progress", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "Signed in as %s. You can close this window.\n", describe(session))
		select {
		case done <- session:
		default:
		}
	})

	s := &http.Server{Handler: mux}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := s.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		defer func() {
			if err := s.Shutdown(context.Background()); err != nil {
				log.Err(err).Msg("shutting down redirect listener")
			}
		}()
		select {
		case session := <-done:
			fmt.Printf("Signed in as %s\n", describe(session))
			return nil
		case <-egCtx.Done():
			return errors.New("login cancelled")
		}
	})
	return eg.Wait()
}

func runWhoami(ctx context.Context, cmd *cli.Command) error {
	a, err := setupApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.restore(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return errNotSignedIn
	}
	fmt.Printf("did:    %s\n", session.DID())
	fmt.Printf("handle: %s\n", session.Handle())
	fmt.Printf("pds:    %s\n", session.PDSURL())
	fmt.Printf("scope:  %s\n", session.Scope())
	return nil
}

func runLogout(ctx context.Context, cmd *cli.Command) error {
	a, err := setupApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.restore(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		fmt.Fprintln(os.Stderr, "Not signed in")
		return nil
	}
	if err := a.auth.SignOut(ctx, session, printStatus); err != nil {
		return err
	}
	return auth.NewStorePointer(a.store).Clear()
}

func isLoopback(u *url.URL) bool {
	if u.Scheme != "http" {
		return false
	}
	if u.Hostname() == "localhost" {
		return true
	}
	ip := net.ParseIP(u.Hostname())
	return ip != nil && ip.IsLoopback()
}
