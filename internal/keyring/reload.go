package keyring

import (
	"fmt"

	"go.uber.org/zap"
)

// Reloader replaces the data and signing rings together. Both rings are
// validated before either is swapped, so a bad key set leaves both
// managers serving their previous rings.
type Reloader struct {
	data    *Manager
	signing *Manager
	logger  *zap.Logger
}

func NewReloader(data, signing *Manager, logger *zap.Logger) *Reloader {
	return &Reloader{data: data, signing: signing, logger: logger}
}

// Reload builds rings from dataKeys and signingKeys and installs them.
func (r *Reloader) Reload(dataKeys, signingKeys []Key) error {
	data, err := NewRing(dataKeys, DataKeySize, true)
	if err != nil {
		return fmt.Errorf("encryption keys: %w", err)
	}
	signing, err := NewRing(signingKeys, MinSigningKeySize, false)
	if err != nil {
		return fmt.Errorf("signing keys: %w", err)
	}

	prevData := r.data.Swap(data)
	prevSigning := r.signing.Swap(signing)
	r.logger.Info("key rings reloaded",
		zap.Int("data_active_version", data.Active().Version),
		zap.Int("data_previous_active_version", prevData.Active().Version),
		zap.Ints("data_versions", data.Versions()),
		zap.Int("signing_active_version", signing.Active().Version),
		zap.Int("signing_previous_active_version", prevSigning.Active().Version),
		zap.Ints("signing_versions", signing.Versions()),
	)
	return nil
}
