package dbus

import "time"

// Default deadlines per spec.md §4.G/§5.
const (
	DefaultConnectDeadline = 30 * time.Second
	DefaultAuthDeadline    = 10 * time.Second
	// DefaultConnectionReadSize is the default size (in bytes) of the
	// buffer the read loop fills from the connection. Buffering reduces
	// the read syscall count for large messages (e.g. a ListUnits-sized
	// reply needs many reads at 4KB versus thousands without buffering).
	DefaultConnectionReadSize = 4096
	// DefaultStringConverterSize is the default buffer size (in bytes)
	// of the per-connection string converter used to decode header
	// fields with fewer allocations.
	DefaultStringConverterSize = 4096
)

// Config configures a Connection, following the teacher's functional
// options style (config.go's WithConnectionReadSize/WithStringConverterSize/
// WithSerialCheck) extended with the knobs spec.md §4.G/§6 calls for.
type Config struct {
	address          string
	bus              BusType
	useBus           bool
	connectDeadline  time.Duration
	authDeadline     time.Duration
	authMechanism    AuthMechanism
	uid              int
	connReadSize     int
	strConvSize      int
	serialCheck      bool
}

// Option sets up a Config.
type Option func(*Config)

// WithAddress dials an explicit D-Bus server address instead of
// resolving one of the well-known buses.
func WithAddress(addr string) Option {
	return func(c *Config) {
		c.address = addr
		c.useBus = false
	}
}

// WithBus selects the session or system bus, resolved per spec.md §6
// at connect time (DBUS_SESSION_BUS_ADDRESS / DBUS_SYSTEM_BUS_ADDRESS).
func WithBus(bus BusType) Option {
	return func(c *Config) {
		c.bus = bus
		c.useBus = true
	}
}

// WithConnectDeadline overrides the default 30s Unix-socket connect
// deadline.
func WithConnectDeadline(d time.Duration) Option {
	return func(c *Config) {
		c.connectDeadline = d
	}
}

// WithAuthDeadline overrides the default 10s SASL handshake deadline.
func WithAuthDeadline(d time.Duration) Option {
	return func(c *Config) {
		c.authDeadline = d
	}
}

// WithAuthMechanism selects the SASL mechanism driven during
// authentication; AuthExternal is the default.
func WithAuthMechanism(mech AuthMechanism) Option {
	return func(c *Config) {
		c.authMechanism = mech
	}
}

// WithUID overrides the uid sent on the EXTERNAL handshake's DATA line; defaults
// to os.Getuid().
func WithUID(uid int) Option {
	return func(c *Config) {
		c.uid = uid
	}
}

// WithConnectionReadSize sets the size of the buffer the read loop
// fills from the D-Bus connection. Bigger the buffer, fewer read
// syscalls will be made.
func WithConnectionReadSize(size int) Option {
	return func(c *Config) {
		c.connReadSize = size
	}
}

// WithStringConverterSize sets the buffer size of the connection's
// header-field string converter, to reduce allocs.
func WithStringConverterSize(size int) Option {
	return func(c *Config) {
		c.strConvSize = size
	}
}

// WithSerialCheck when true makes Call additionally verify, for every
// reply it receives, that the reply's own reply_serial header field
// matches the serial it sent. The mailbox's pending-reply table
// already routes by serial, so there shouldn't be any request/reply
// mishmash; this is a defensive check for a corrupted or malicious peer.
func WithSerialCheck(enable bool) Option {
	return func(c *Config) {
		c.serialCheck = enable
	}
}

func newConfig(opts []Option) Config {
	c := Config{
		bus:             SessionBus,
		useBus:          true,
		connectDeadline: DefaultConnectDeadline,
		authDeadline:    DefaultAuthDeadline,
		authMechanism:   AuthExternal,
		uid:             -1,
		connReadSize:    DefaultConnectionReadSize,
		strConvSize:     DefaultStringConverterSize,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
