// ABOUTME: mDNS advertisement and browsing for duplex servers
// ABOUTME: TXT records carry both channel ports and the certificate fingerprint
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/mdns"
)

// ServiceType is the DNS-SD service servers advertise
const ServiceType = "_resonate-duplex._tcp"

// ErrNotFound is returned by Find when no server answered in time
var ErrNotFound = errors.New("no server found")

// Config holds discovery configuration
type Config struct {
	Name        string
	ControlPort int
	StreamPort  int
	Fingerprint string
	Logger      *log.Logger
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	logger  *log.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// ServerInfo describes a discovered server
type ServerInfo struct {
	Name        string
	Host        string
	ControlAddr string
	StreamAddr  string
	Fingerprint string
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Manager{
		config:  config,
		logger:  logger.With("component", "discovery"),
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// TXT returns the records advertised for config
func (c Config) TXT() []string {
	return []string{
		"control=" + strconv.Itoa(c.ControlPort),
		"stream=" + strconv.Itoa(c.StreamPort),
		"fingerprint=" + c.Fingerprint,
	}
}

// Advertise publishes this server until Stop
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(m.config.Name, ServiceType, "", "", m.config.ControlPort, ips, m.config.TXT())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.logger.Info("advertising", "name", m.config.Name, "type", ServiceType,
		"control", m.config.ControlPort, "stream", m.config.StreamPort)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for servers until Stop; results arrive on Servers
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		go func() {
			for entry := range entries {
				info, err := parseEntry(entry)
				if err != nil {
					m.logger.Debug("ignoring mdns entry", "name", entry.Name, "err", err)
					continue
				}
				m.logger.Info("discovered server", "name", info.Name, "control", info.ControlAddr)

				select {
				case m.servers <- info:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		params := mdns.DefaultParams(ServiceType)
		params.Entries = entries
		params.Timeout = 3 * time.Second
		params.DisableIPv6 = true
		if err := mdns.Query(params); err != nil {
			m.logger.Debug("mdns query failed", "err", err)
		}
		close(entries)
	}
}

// Servers returns the channel of discovered servers
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Find browses until the first server is discovered or ctx is done
func (m *Manager) Find(ctx context.Context) (*ServerInfo, error) {
	m.Browse()
	select {
	case info := <-m.servers:
		return info, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrNotFound, ctx.Err())
	}
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// parseEntry builds a ServerInfo from an answer's address and TXT records
func parseEntry(entry *mdns.ServiceEntry) (*ServerInfo, error) {
	if entry.AddrV4 == nil {
		return nil, errors.New("no IPv4 address")
	}
	host := entry.AddrV4.String()
	info := &ServerInfo{Name: entry.Name, Host: host}

	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "control":
			info.ControlAddr = net.JoinHostPort(host, value)
		case "stream":
			info.StreamAddr = net.JoinHostPort(host, value)
		case "fingerprint":
			info.Fingerprint = value
		}
	}

	if info.ControlAddr == "" {
		info.ControlAddr = net.JoinHostPort(host, strconv.Itoa(entry.Port))
	}
	if info.StreamAddr == "" {
		return nil, errors.New("missing stream port")
	}
	return info, nil
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
