package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/config"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/payments"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/persist"
)

// defaultPort is used when [merchant] does not set one.
const defaultPort = 9966

// A Server owns the listener and the HTTP server serving the API, plus the
// backend modules it closes on shutdown.
type Server struct {
	api       *API
	apiServer *http.Server
	listener  net.Listener
	log       *persist.Logger
	closers   []io.Closer
	tg        threadgroup.ThreadGroup
}

// NewServer builds the API server per the [merchant] serve configuration:
// either a TCP port (with optional bind address) or a unix socket. The
// passed closers are shut down, in order, when the server closes.
func NewServer(cfg *config.Config, p *payments.Payments, log *persist.Logger, closers ...io.Closer) (*Server, error) {
	s := cfg.Section("merchant")
	if s == nil {
		return nil, errors.New("missing [merchant] configuration section")
	}

	var listener net.Listener
	switch serve := strings.ToLower(s.OptString("serve", "tcp")); serve {
	case "tcp":
		port, err := s.Int("port", defaultPort)
		if err != nil {
			return nil, err
		}
		bindTo := s.OptString("bind_to", "")
		listener, err = net.Listen("tcp", net.JoinHostPort(bindTo, strconv.Itoa(int(port))))
		if err != nil {
			return nil, err
		}
	case "unix":
		path, err := s.String("unixpath")
		if err != nil {
			return nil, err
		}
		mode, err := s.FileMode("unixpath_mode", 0660)
		if err != nil {
			return nil, err
		}
		// A socket left over from an unclean shutdown blocks the bind.
		os.Remove(path)
		listener, err = net.Listen("unix", path)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(path, os.FileMode(mode)); err != nil {
			listener.Close()
			return nil, err
		}
	default:
		return nil, errors.New("unrecognized serve mode: " + serve)
	}

	srv := &Server{
		api:      New(p, log),
		listener: listener,
		log:      log,
		closers:  closers,
	}
	srv.tg.OnStop(func() error {
		return listener.Close()
	})

	// Requests inherit a context that dies with the server, so a handler
	// suspended on an exchange resumes with a shutdown status instead of
	// holding its connection open.
	baseCtx, cancel := context.WithCancel(context.Background())
	srv.tg.OnStop(func() error {
		cancel()
		return nil
	})
	srv.apiServer = &http.Server{
		Handler: srv.api,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}
	return srv, nil
}

// Addr returns the address the server is listening on.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Serve listens for and handles API calls. It blocks until the listener is
// closed by Close.
func (srv *Server) Serve() error {
	if err := srv.tg.Add(); err != nil {
		return errors.AddContext(err, "unable to initialize server")
	}
	defer srv.tg.Done()

	srv.log.Printf("listening on %s", srv.listener.Addr())
	err := srv.apiServer.Serve(srv.listener)
	if err != nil && err != http.ErrServerClosed &&
		!strings.HasSuffix(err.Error(), "use of closed network connection") {
		return err
	}
	return nil
}

// Close shuts the listener, cancels in-flight request contexts, and closes
// the backend modules in the order they were supplied.
func (srv *Server) Close() error {
	var errs []error
	if err := srv.tg.Stop(); err != nil {
		errs = append(errs, errors.AddContext(err, "unable to stop server"))
	}
	for _, c := range srv.closers {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Compose(errs...)
}
