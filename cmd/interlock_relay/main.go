// Command interlock_relay owns the interlock PLC's RTU serial line and
// relays modbus frames posted to /api/send, so agents on other hosts can
// read the calibration tower without a local serial port.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/w1xm/instrument_interface/interlock/modbushttp"
	"github.com/w1xm/instrument_interface/internal/log"
)

// Sender forwards one ADU to the PLC.
type Sender interface {
	Send(aduRequest []byte) (aduResponse []byte, err error)
}

type Server struct {
	sender   Sender
	password string
	log      log.Logger
}

func NewServer(sender Sender, password string, logger log.Logger) *Server {
	return &Server{sender: sender, password: password, log: logger}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/send", s.SendHandler).Methods(http.MethodPost)
	return r
}

func (s *Server) SendHandler(w http.ResponseWriter, r *http.Request) {
	_, pass, ok := r.BasicAuth()
	if s.password != "" && (!ok || pass != s.password) {
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return
	}
	err := func() error {
		aduRequest, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		aduResponse, err := s.sender.Send(aduRequest)
		var errString string
		if err != nil {
			errString = err.Error()
			s.log.Warn("relaying frame", "remote", r.RemoteAddr, "error", err)
		}
		body, err := json.Marshal(&modbushttp.SendResponse{
			ADUResponse: aduResponse,
			Error:       errString,
		})
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(body)
		return err
	}()
	if err != nil {
		s.log.Error(err, "SendHandler")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type options struct {
	addr     string
	password string
	port     string
	baud     int
	slaveID  uint8
	log      *log.Options
}

func newRootCommand() *cobra.Command {
	o := &options{log: log.NewOptions()}
	cmd := &cobra.Command{
		Use:          "interlock_relay",
		Short:        "Relay modbus RTU frames for the calibration tower interlock over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, o)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&o.addr, "addr", "127.0.0.1:8502", "address to listen on")
	fs.StringVar(&o.password, "password", "", "password to require on remote connections")
	fs.StringVar(&o.port, "port", "", "PLC serial port name")
	fs.IntVar(&o.baud, "baud", 19200, "PLC baud rate")
	fs.Uint8Var(&o.slaveID, "slave-id", 1, "PLC modbus slave id")
	o.log.AddFlags(fs)
	return cmd
}

func run(ctx context.Context, o *options) error {
	if o.port == "" {
		return errors.New("--port is required")
	}
	logger := log.NewLogger(o.log).WithName("interlock_relay")

	handler := modbus.NewRTUClientHandler(o.port)
	handler.BaudRate = o.baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = o.slaveID
	defer handler.Close()

	srv := &http.Server{
		Handler:      NewServer(handler, o.password, logger).Router(),
		Addr:         o.addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info("listening", "addr", srv.Addr, "port", o.port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
