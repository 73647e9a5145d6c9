package collector

import (
	"errors"
	"net/http"

	"github.com/psantana5/airbag/internal/tlsutil"
	"github.com/psantana5/airbag/pkg/logging"
)

// HTTPServer wraps s in an http.Server configured from s's Config.
func (s *Server) HTTPServer() (*http.Server, error) {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	if s.cfg.TLS.Enabled {
		tc, err := tlsutil.ServerConfig(s.cfg.TLS)
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = tc
	}
	return srv, nil
}

// Serve runs srv until it is shut down. It returns nil after Shutdown.
func (s *Server) Serve(srv *http.Server) error {
	s.logger.Info("Collector listening", logging.Fields{
		"addr": srv.Addr,
		"tls":  srv.TLSConfig != nil,
		"auth": s.cfg.APIKey != "" || s.cfg.APIKeyHash != "",
	})
	var err error
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
