package rundaq

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
)

// RunControlService is the JSON-RPC service operators use to drive a
// RunControl.
type RunControlService struct {
	rc *RunControl
}

// FileArgs names a settings file.
type FileArgs struct {
	File string
}

// ConfigureArgs names a run-settings file and the geometry id of the run.
type ConfigureArgs struct {
	File  string
	GeoID int
}

// StartArgs holds the operator's description of a run.
type StartArgs struct {
	Message string
}

// Initialise sends an init-settings file to every component.
func (s *RunControlService) Initialise(args *FileArgs, reply *bool) error {
	err := s.rc.Initialise(args.File)
	*reply = (err == nil)
	return err
}

// Configure sends a run-settings file to every component.
func (s *RunControlService) Configure(args *ConfigureArgs, reply *bool) error {
	err := s.rc.Configure(args.File, args.GeoID)
	*reply = (err == nil)
	return err
}

// StartRun starts the next run and replies with its number.
func (s *RunControlService) StartRun(args *StartArgs, reply *uint32) error {
	run, err := s.rc.StartRun(args.Message)
	*reply = run
	return err
}

// StopRun stops the current run.
func (s *RunControlService) StopRun(dummy *string, reply *bool) error {
	err := s.rc.StopRun()
	*reply = (err == nil)
	return err
}

// Reset returns every component to UNINIT.
func (s *RunControlService) Reset(dummy *string, reply *bool) error {
	err := s.rc.Reset()
	*reply = (err == nil)
	return err
}

// Terminate stops every component and RunControl itself.
func (s *RunControlService) Terminate(dummy *string, reply *bool) error {
	err := s.rc.Terminate()
	*reply = (err == nil)
	return err
}

// Status replies with the aggregate state and every known component.
func (s *RunControlService) Status(dummy *string, reply *RunControlStatus) error {
	*reply = s.rc.Status()
	return nil
}

// WriteControl relays a pause, unpause or label request to the DataCollectors.
func (s *RunControlService) WriteControl(config *WriteControlConfig, reply *bool) error {
	request := strings.ToUpper(config.Request)
	switch request {
	case "PAUSE", "UNPAUSE", "LABEL":
	default:
		return fmt.Errorf("WriteControl config.Request=%q, need one of (PAUSE,UNPAUSE,LABEL)", config.Request)
	}
	config.Request = request
	n := s.rc.Send(TypeDataCollector, config.Command())
	if n == 0 {
		return fmt.Errorf("no DataCollector is connected")
	}
	*reply = true
	return nil
}

// SendAllStatus publishes the status straight away.
func (s *RunControlService) SendAllStatus(dummy *string, reply *bool) error {
	s.rc.publishStatus()
	*reply = true
	return nil
}

// RunRPCServer serves RunControlService on listen until the listener is
// closed. It returns once listening has started.
func RunRPCServer(rc *RunControl, listen string) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.Register(&RunControlService{rc: rc}); err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen error: %w", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				rc.env.Log.Infof("RPC server stopped: %v", err)
				return
			}
			rc.env.Log.Debugf("new RPC connection from %s", conn.RemoteAddr())
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()
	return listener, nil
}
