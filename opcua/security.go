package opcua

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"opcuaproxy/partner"
)

// Security is the resolved security setup of one partner.
type Security struct {
	PolicyURI      string
	Mode           ua.MessageSecurityMode
	TokenType      ua.UserTokenType
	ApplicationURI string
	// CertFile and KeyFile are empty when the policy is None.
	CertFile string
	KeyFile  string

	user, password string
}

// NewSecurity derives the security setup from the partner record. The
// client certificate and key are looked up under the PKI directory, one pair
// per partner.
func NewSecurity(cfg *partner.Config, s Settings) (*Security, error) {
	mode, err := parseSecurityMode(cfg.SecurityMode)
	if err != nil {
		return nil, err
	}
	policy := cfg.SecurityPolicy
	if policy == "" {
		policy = "None"
	}

	sec := &Security{
		PolicyURI:      ua.FormatSecurityPolicyURI(policy),
		Mode:           mode,
		TokenType:      ua.UserTokenTypeAnonymous,
		ApplicationURI: s.ApplicationURIPrefix + ":" + cfg.PartnerID,
	}
	if cfg.HasCredentials() {
		sec.TokenType = ua.UserTokenTypeUserName
		sec.user, sec.password = cfg.User, cfg.Password
	}

	isNone := sec.PolicyURI == ua.SecurityPolicyURINone
	if isNone != (mode == ua.MessageSecurityModeNone) {
		return nil, fmt.Errorf("security policy %s is incompatible with mode %s", policy, cfg.SecurityMode)
	}
	if !isNone {
		prefix := "opcua-proxy-" + cfg.PartnerID
		sec.CertFile = filepath.Join(s.PKIDir, "own", prefix+"-cert.der")
		sec.KeyFile = filepath.Join(s.PKIDir, "private", prefix+"-key.pem")
	}
	return sec, nil
}

// Options returns the client options for endpoint ep.
func (sec *Security) Options(ep *ua.EndpointDescription, s Settings) []opcua.Option {
	opts := []opcua.Option{
		opcua.ApplicationName(s.ApplicationName),
		opcua.ApplicationURI(sec.ApplicationURI),
		opcua.ProductURI(s.ApplicationURIPrefix),
		opcua.SessionTimeout(s.SessionTimeout),
		opcua.RequestTimeout(s.RequestTimeout),
		opcua.DialTimeout(s.ConnectTimeout),
		opcua.AutoReconnect(true),
	}
	if sec.CertFile != "" {
		opts = append(opts,
			opcua.CertificateFile(sec.CertFile),
			opcua.PrivateKeyFile(sec.KeyFile),
		)
	}
	if sec.TokenType == ua.UserTokenTypeUserName {
		opts = append(opts, opcua.AuthUsername(sec.user, sec.password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return append(opts, opcua.SecurityFromEndpoint(ep, sec.TokenType))
}

func parseSecurityMode(s string) (ua.MessageSecurityMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ua.MessageSecurityModeNone, nil
	case "sign":
		return ua.MessageSecurityModeSign, nil
	case "signandencrypt":
		return ua.MessageSecurityModeSignAndEncrypt, nil
	}
	return ua.MessageSecurityModeInvalid, fmt.Errorf("unknown security mode %q", s)
}
