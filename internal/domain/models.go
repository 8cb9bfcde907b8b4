package domain

import (
	"net"
	"strconv"
)

// Endpoint flags of a datacenter option.
const (
	FlagIPv6      uint32 = 1 << 0
	FlagMediaOnly uint32 = 1 << 1
	FlagCDN       uint32 = 1 << 3
	FlagStatic    uint32 = 1 << 4
	FlagQUIC      uint32 = 1 << 5
	FlagTLS       uint32 = 1 << 6
)

// DcOption is one reachable endpoint of a datacenter.
type DcOption struct {
	ID    DcID   `json:"id"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Flags uint32 `json:"flags,omitempty"`
}

// Address returns host:port suitable for dialing.
func (o DcOption) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Has reports whether every bit in flag is set.
func (o DcOption) Has(flag uint32) bool {
	return o.Flags&flag == flag
}

// ServerConfig is the cached result of a config request.
type ServerConfig struct {
	Date      int64      `json:"date"`
	Expires   int64      `json:"expires"`
	ThisDc    DcID       `json:"this_dc"`
	DcOptions []DcOption `json:"dc_options"`
}

// CDNConfig maps CDN datacenters to their RSA public keys (PEM).
type CDNConfig struct {
	PublicKeys map[DcID]string `json:"public_keys"`
}
