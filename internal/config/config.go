// ABOUTME: TOML configuration for the player and the server
// ABOUTME: Files are decoded over the embedded example so missing keys keep their defaults
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/channel"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/session"
)

var (
	//go:embed player.example.toml
	examplePlayer []byte

	//go:embed server.example.toml
	exampleServer []byte
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a Go duration string
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Player is the player configuration
type Player struct {
	Server    PlayerServer `toml:"server"`
	Account   Account      `toml:"account"`
	Playback  Playback     `toml:"playback"`
	Network   Network      `toml:"network"`
	Storage   Storage      `toml:"storage"`
	Discovery Discovery    `toml:"discovery"`
	Log       Log          `toml:"log"`
}

// PlayerServer locates and pins the server
type PlayerServer struct {
	Control     string `toml:"control"`
	Stream      string `toml:"stream"`
	Fingerprint string `toml:"fingerprint"`
	ServerName  string `toml:"server_name"`
	Identity    string `toml:"identity"`
}

// Account holds login credentials
type Account struct {
	User     string `toml:"user"`
	Password string `toml:"password"`
	ClientID string `toml:"client_id"`
}

// Playback configures the output
type Playback struct {
	Sink           string   `toml:"sink"`
	Buffers        int      `toml:"buffers"`
	BufferDuration Duration `toml:"buffer_duration"`
	Volume         float64  `toml:"volume"`
}

// Network holds request and reconnect timing
type Network struct {
	RequestTimeout Duration `toml:"request_timeout"`
	StreamTimeout  Duration `toml:"stream_timeout"`
	BackoffMin     Duration `toml:"backoff_min"`
	BackoffMax     Duration `toml:"backoff_max"`
}

// Storage holds client-side persistence paths
type Storage struct {
	Library    string `toml:"library"`
	ArtworkDir string `toml:"artwork_dir"`
}

// Discovery configures the mDNS lookup used when no endpoints are set
type Discovery struct {
	Timeout Duration `toml:"timeout"`
}

// Log configures output
type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Sinks lists the accepted playback.sink values
var Sinks = []string{"malgo", "oto", "discard"}

// DefaultPlayer returns the embedded example player configuration
func DefaultPlayer() *Player {
	var p Player
	if err := toml.Unmarshal(examplePlayer, &p); err != nil {
		panic(fmt.Sprintf("failed to parse embedded player config: %v", err))
	}
	return &p
}

// LoadPlayer reads path over the defaults
func LoadPlayer(path string) (*Player, error) {
	p := DefaultPlayer()
	if err := decodeFile(path, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Discover reports whether the server endpoints must be found over mDNS
func (p *Player) Discover() bool {
	return p.Server.Control == "" || p.Server.Stream == ""
}

// Validate checks values that would otherwise fail deep inside the session
func (p *Player) Validate() error {
	var errs []error
	if p.Server.Fingerprint == "" && !p.Discover() {
		errs = append(errs, errors.New("server.fingerprint is required"))
	}
	if p.Server.Fingerprint != "" {
		if _, err := channel.ParsePin(p.Server.Fingerprint); err != nil {
			errs = append(errs, fmt.Errorf("server.fingerprint: %w", err))
		}
	}
	if len(p.Server.Identity) != session.IdentitySize {
		errs = append(errs, fmt.Errorf("server.identity must be %d bytes, got %d", session.IdentitySize, len(p.Server.Identity)))
	}
	if (p.Account.User == "") != (p.Account.Password == "") {
		errs = append(errs, errors.New("account.user and account.password must be set together"))
	}
	if !validSink(p.Playback.Sink) {
		errs = append(errs, fmt.Errorf("playback.sink must be one of %s", strings.Join(Sinks, ", ")))
	}
	if p.Playback.Buffers < 2 || p.Playback.Buffers > 64 {
		errs = append(errs, fmt.Errorf("playback.buffers must be between 2 and 64, got %d", p.Playback.Buffers))
	}
	if p.Playback.BufferDuration.Duration <= 0 {
		errs = append(errs, errors.New("playback.buffer_duration must be positive"))
	}
	if p.Playback.Volume < 0 || p.Playback.Volume > 1 {
		errs = append(errs, fmt.Errorf("playback.volume must be in [0, 1], got %v", p.Playback.Volume))
	}
	if p.Network.BackoffMax.Duration < p.Network.BackoffMin.Duration {
		errs = append(errs, errors.New("network.backoff_max must not be below network.backoff_min"))
	}
	return wrap(errs)
}

func validSink(s string) bool {
	for _, v := range Sinks {
		if s == v {
			return true
		}
	}
	return false
}

// Server is the server configuration
type Server struct {
	Server  ServerListen `toml:"server"`
	Limits  Limits       `toml:"limits"`
	Auth    Auth         `toml:"auth"`
	Library Library      `toml:"library"`
	Log     Log          `toml:"log"`
}

// ServerListen holds listener addresses and the certificate location
type ServerListen struct {
	Name       string   `toml:"name"`
	Control    string   `toml:"control"`
	Stream     string   `toml:"stream"`
	HTTP       string   `toml:"http"`
	CertFile   string   `toml:"cert_file"`
	KeyFile    string   `toml:"key_file"`
	MDNS       bool     `toml:"mdns"`
	Identities []string `toml:"identities"`
}

// Limits bounds client behaviour
type Limits struct {
	IdentityTimeout Duration `toml:"identity_timeout"`
	AttachTimeout   Duration `toml:"attach_timeout"`
	RequestRate     float64  `toml:"request_rate"`
	RequestBurst    int      `toml:"request_burst"`
}

// Auth holds the static account table
type Auth struct {
	AllowRegister bool              `toml:"allow_register"`
	Users         map[string]string `toml:"users"`
}

// Library locates the song catalogue and media files
type Library struct {
	File      string `toml:"file"`
	MediaRoot string `toml:"media_root"`
}

// DefaultServer returns the embedded example server configuration
func DefaultServer() *Server {
	var s Server
	if err := toml.Unmarshal(exampleServer, &s); err != nil {
		panic(fmt.Sprintf("failed to parse embedded server config: %v", err))
	}
	return &s
}

// LoadServer reads path over the defaults
func LoadServer(path string) (*Server, error) {
	s := DefaultServer()
	if err := decodeFile(path, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the server configuration
func (s *Server) Validate() error {
	var errs []error
	if s.Server.Control == "" || s.Server.Stream == "" {
		errs = append(errs, errors.New("server.control and server.stream are required"))
	}
	if s.Server.Control != "" && s.Server.Control == s.Server.Stream {
		errs = append(errs, errors.New("server.control and server.stream must differ"))
	}
	if (s.Server.CertFile == "") != (s.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file must be set together"))
	}
	for _, id := range s.Server.Identities {
		if len(id) != session.IdentitySize {
			errs = append(errs, fmt.Errorf("server.identities: %q must be %d bytes", id, session.IdentitySize))
		}
	}
	if s.Limits.RequestRate < 0 || s.Limits.RequestBurst < 0 {
		errs = append(errs, errors.New("limits.request_rate and limits.request_burst must not be negative"))
	}
	return wrap(errs)
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	md, err := toml.Decode(string(data), v)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown keys %v", ErrInvalid, undecoded)
	}
	return nil
}

func wrap(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// CreatePlayerFile writes the example player configuration to path
func CreatePlayerFile(path string) error {
	return create(path, examplePlayer)
}

// CreateServerFile writes the example server configuration to path
func CreateServerFile(path string) error {
	return create(path, exampleServer)
}

func create(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
