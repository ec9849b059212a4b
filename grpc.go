package provisioner

import (
	"context"
	"errors"
	"fmt"
	"net"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/ble"
	"github.com/viamrobotics/wifi-provisioner/credentials"
	"github.com/viamrobotics/wifi-provisioner/join"
	"github.com/viamrobotics/wifi-provisioner/utils"
	pb "go.viam.com/api/provisioning/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const networkTypeWifi = "wifi"

type credentialIntake interface {
	SubmitCredentials(ssid, passphrase string) error
	Credentials() (credentials.Pair, bool)
}

type attemptSource interface {
	LastAttempt() (join.Attempt, bool)
}

type networkScanner interface {
	Scan(ctx context.Context) ([]join.Network, error)
}

// provisioningServer is the local gRPC view of the daemon.
type provisioningServer struct {
	pb.UnimplementedProvisioningServiceServer

	info     utils.DeviceInfo
	intake   credentialIntake
	attempts attemptSource
	scanner  networkScanner
	errors   *errorList
}

func (m *Manager) startGRPC(intake credentialIntake) error {
	bind := m.cfg.GRPCConfiguration.ListenAddress
	lis, err := net.Listen("tcp", bind)
	if err != nil {
		return errw.Wrapf(err, "listening on: %s", bind)
	}
	m.grpcAddr = lis.Addr().String()

	srv := &provisioningServer{
		info:     m.cfg.DeviceInfo,
		intake:   intake,
		attempts: m.orchestrator,
		errors:   &m.errors,
	}
	if m.backend != nil {
		srv.scanner = m.backend
	}

	m.grpcServer = grpc.NewServer(grpc.WaitForHandlers(true))
	pb.RegisterProvisioningServiceServer(m.grpcServer, srv)

	logger := m.logger.Sublogger("grpc")
	server := m.grpcServer
	m.activeBackgroundWorkers.Add(1)
	go func() {
		defer utils.Recover(logger, nil)
		defer m.activeBackgroundWorkers.Done()
		if err := server.Serve(lis); err != nil {
			logger.Warn(err)
		}
	}()
	logger.Infof("local provisioning API listening on %s", m.grpcAddr)
	return nil
}

func (m *Manager) stopGRPC() {
	if m.grpcServer == nil {
		return
	}
	m.grpcServer.GracefulStop()
	m.grpcServer = nil
}

// GRPCAddr returns the address the local API is listening on, or "" if it isn't running.
func (m *Manager) GRPCAddr() string {
	return m.grpcAddr
}

func (s *provisioningServer) GetSmartMachineStatus(ctx context.Context,
	req *pb.GetSmartMachineStatusRequest,
) (*pb.GetSmartMachineStatusResponse, error) {
	_, complete := s.intake.Credentials()
	ret := &pb.GetSmartMachineStatusResponse{
		ProvisioningInfo: &pb.ProvisioningInfo{
			FragmentId:   s.info.FragmentID,
			Model:        s.info.Model,
			Manufacturer: s.info.Manufacturer,
		},
		HasSmartMachineCredentials: complete,
		Errors:                     s.errListAsStrings(),
		AgentVersion:               utils.GetVersion(),
	}

	if attempt, ok := s.attempts.LastAttempt(); ok {
		ret.IsOnline = attempt.State == join.StateConnected
		ret.LatestConnectionAttempt = attemptToProto(attempt)
	}

	// reset the errors, as they were now just displayed
	s.errors.Clear()

	return ret, nil
}

func (s *provisioningServer) SetNetworkCredentials(ctx context.Context,
	req *pb.SetNetworkCredentialsRequest,
) (*pb.SetNetworkCredentialsResponse, error) {
	if req.GetType() != networkTypeWifi {
		return nil, grpcstatus.Errorf(codes.InvalidArgument,
			"unknown network type: %s, only %s currently supported", req.GetType(), networkTypeWifi)
	}

	if err := s.intake.SubmitCredentials(req.GetSsid(), req.GetPsk()); err != nil {
		switch {
		case errors.Is(err, ble.ErrAlreadyProvisioned):
			return nil, grpcstatus.Error(codes.AlreadyExists, err.Error())
		case errors.Is(err, ble.ErrNotRunning):
			return nil, grpcstatus.Error(codes.Unavailable, err.Error())
		default:
			return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
		}
	}
	return &pb.SetNetworkCredentialsResponse{}, nil
}

func (s *provisioningServer) GetNetworkList(ctx context.Context,
	req *pb.GetNetworkListRequest,
) (*pb.GetNetworkListResponse, error) {
	if s.scanner == nil {
		return nil, grpcstatus.Error(codes.Unavailable, join.ErrNM.Error())
	}

	visibleNetworks, err := s.scanner.Scan(ctx)
	if err != nil {
		return nil, grpcstatus.Error(codes.Unavailable, err.Error())
	}
	join.SortBySignal(visibleNetworks)

	networks := make([]*pb.NetworkInfo, len(visibleNetworks))
	for i, nw := range visibleNetworks {
		networks[i] = &pb.NetworkInfo{
			Type:      networkTypeWifi,
			Ssid:      nw.SSID,
			Security:  nw.Security,
			Signal:    int32(nw.Signal),
			Connected: nw.Connected,
		}
	}

	return &pb.GetNetworkListResponse{Networks: networks}, nil
}

func (s *provisioningServer) errListAsStrings() []string {
	errList := []string{}

	if attempt, ok := s.attempts.LastAttempt(); ok && attempt.Err != nil {
		errList = append(errList, fmt.Sprintf("SSID: %s: %s", attempt.SSID, attempt.Err))
	}

	for _, err := range s.errors.Errors() {
		errList = append(errList, err.Error())
	}
	return errList
}

func attemptToProto(attempt join.Attempt) *pb.NetworkInfo {
	var errStr string
	if attempt.Err != nil {
		errStr = attempt.Err.Error()
	}
	return &pb.NetworkInfo{
		Type:      networkTypeWifi,
		Ssid:      attempt.SSID,
		Connected: attempt.State == join.StateConnected,
		LastError: errStr,
	}
}
