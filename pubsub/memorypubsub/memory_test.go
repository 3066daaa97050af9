package memorypubsub

import (
	"testing"

	"github.com/girderhq/girder/pubsub"
	"github.com/girderhq/girder/pubsub/pubsubtest"
)

func TestMemoryTransport(t *testing.T) {
	pubsubtest.RunTransportTests(t, func(t *testing.T) pubsub.Transport {
		return New()
	})
}
