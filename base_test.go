package gwmp

import (
	"context"
	"sync"

	"github.com/brocaar/lorawan"
	log "github.com/sirupsen/logrus"

	"github.com/blaet/gwmp/gateway/semtech"
	"github.com/blaet/gwmp/packets"
)

func init() {
	log.SetLevel(log.PanicLevel)
}

type testGatewayBackend struct {
	gateways []semtech.Gateway
	err      error

	mu        sync.Mutex
	downlinks []packets.TXPK
}

func (b *testGatewayBackend) Gateways() []semtech.Gateway {
	return b.gateways
}

func (b *testGatewayBackend) Gateway(addr string) (semtech.Gateway, bool) {
	for _, gw := range b.gateways {
		if gw.Addr == addr {
			return gw, true
		}
	}
	return semtech.Gateway{}, false
}

func (b *testGatewayBackend) SendDownlinkToGateway(ctx context.Context, mac lorawan.EUI64, txpk packets.TXPK) error {
	for _, gw := range b.gateways {
		if gw.MAC != nil && *gw.MAC == mac {
			b.mu.Lock()
			b.downlinks = append(b.downlinks, txpk)
			b.mu.Unlock()
			return b.err
		}
	}
	return semtech.ErrUnknownGateway
}
