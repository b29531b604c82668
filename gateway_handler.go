// Package gwmp implements the admin API and the event handling of the
// gwmp server.
package gwmp

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/blaet/gwmp/gateway/semtech"
)

// ApplicationBackend receives the uplink events.
type ApplicationBackend interface {
	Send(e semtech.Event) error
}

// ApplicationBackends sends each event to all of its backends.
type ApplicationBackends []ApplicationBackend

// Send implements ApplicationBackend. All backends are tried, the errors
// are joined.
func (b ApplicationBackends) Send(e semtech.Event) error {
	var errs []error
	for _, app := range b {
		if err := app.Send(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleGatewayEvents handles the events of the given channel until it is
// closed. Uplinks are passed to the application backend when set.
func HandleGatewayEvents(events <-chan semtech.Event, app ApplicationBackend) {
	for e := range events {
		if err := HandleGatewayEvent(e, app); err != nil {
			log.WithFields(log.Fields{
				"addr": e.Addr,
				"type": e.Type,
			}).Errorf("could not handle event: %s", err)
		}
	}
}

// HandleGatewayEvent handles a single gateway event.
func HandleGatewayEvent(e semtech.Event, app ApplicationBackend) error {
	logFields := log.Fields{
		"addr": e.Addr,
		"type": e.Type,
		"mac":  e.GatewayMAC,
	}

	switch e.Type {
	case semtech.Uplink:
		log.WithFields(logFields).WithField("rxpk_count", len(e.RXPK)).Info("uplink received")
		if app == nil {
			return nil
		}
		return app.Send(e)
	case semtech.StatReceived:
		log.WithFields(logFields).Debug("gateway stats received")
	case semtech.NewGateway, semtech.GatewayAddrUpdated, semtech.GatewayDisconnected:
		log.WithFields(logFields).Info("gateway session changed")
	case semtech.InvalidPayload:
		log.WithFields(logFields).Warningf("invalid payload: %s", e.Err)
	}
	return nil
}
