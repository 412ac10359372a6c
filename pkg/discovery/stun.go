package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

var ErrSTUN = errors.New("discovery: stun probe failed")

// ReflexiveAddr asks a STUN server which public address our traffic comes
// from. The mapped address belongs to the probe socket, so only its IP is
// meaningful to other peers.
func ReflexiveAddr(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("%w: empty server", ErrSTUN)
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSTUN, err)
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSTUN, err)
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)
	go func() {
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			var addr stun.XORMappedAddress
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	select {
	case addr := <-result:
		return addr.IP.String(), nil
	case err := <-fail:
		return "", fmt.Errorf("%w: %w", ErrSTUN, err)
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrSTUN, ctx.Err())
	}
}
