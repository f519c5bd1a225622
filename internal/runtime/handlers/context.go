// Package handlers adapts typed protobuf handlers to envelope handlers.
package handlers

import (
	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
)

// MessageContextBase carries what a handler knows about the incoming message
// besides its payload.
type MessageContextBase struct {
	UUID          string
	Key           string
	CorrelationID string
	Metadata      metadatapkg.Metadata
	Logger        loggingpkg.ServiceLogger
}

func baseFromEnvelope(env envelopepkg.Envelope, logger loggingpkg.ServiceLogger) MessageContextBase {
	return MessageContextBase{
		UUID:          env.UUID,
		Key:           env.Key,
		CorrelationID: env.CorrelationID,
		Metadata:      env.Metadata,
		Logger:        logger,
	}
}

// CloneMetadata returns a copy of the metadata that handlers may change for
// outgoing events.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get returns a metadata value.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata.Get(key)
}
