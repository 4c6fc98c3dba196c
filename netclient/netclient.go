package netclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

const defaultTimeout = 5 * time.Second

// GetClient returns an http client with a hard timeout on every request.
// If socksAddr is not empty all connections are dialed through that SOCKS5 proxy,
// otherwise the usual proxy environment variables are honored.
func GetClient(timeout time.Duration, socksAddr string) (*http.Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		DisableKeepAlives: true,
		Proxy:             http.ProxyFromEnvironment,
	}

	if socksAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("[GetClient] : %w", err)
		}

		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
			if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
				netConn, err := contextDialer.DialContext(ctx, network, address)
				if err != nil {
					return nil, fmt.Errorf("[dialContext] : %w", err)
				}

				return netConn, nil
			}

			netConn, err := dialer.Dial(network, address)
			if err != nil {
				return nil, fmt.Errorf("[dialContext] : %w", err)
			}

			return netConn, nil
		}
	}

	client := &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: nil,
		Jar:           nil,
	}

	return client, nil
}
