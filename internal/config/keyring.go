package config

import (
	"github.com/pkg/errors"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

const (
	KeyringService    = "netbox-sync"
	KeyringUserYandex = "yc"
	KeyringUserNetBox = "netbox"
)

// Complete fills tokens missing from the environment with the ones stored
// in the OS keyring.
func (c *Config) Complete() {
	if c.Yandex.Token == "" {
		c.Yandex.Token = lookupToken(KeyringUserYandex)
	}
	if c.NetBox.Token == "" {
		c.NetBox.Token = lookupToken(KeyringUserNetBox)
	}
}

func lookupToken(user string) string {
	token, err := keyring.Get(KeyringService, user)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			zap.S().Named("config").Debugf("could not read %s token from keyring: %v", user, err)
		}
		return ""
	}
	return token
}

// KeyringUser validates the name of a stored token.
func KeyringUser(name string) (string, error) {
	switch name {
	case KeyringUserYandex, KeyringUserNetBox:
		return name, nil
	default:
		return "", errors.Errorf("unknown token %q, expected %q or %q", name, KeyringUserYandex, KeyringUserNetBox)
	}
}

func StoreToken(user, token string) error {
	if err := keyring.Set(KeyringService, user, token); err != nil {
		return errors.Wrapf(err, "failed to store %s token", user)
	}
	return nil
}

func DeleteToken(user string) error {
	if err := keyring.Delete(KeyringService, user); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return errors.Wrapf(err, "failed to delete %s token", user)
	}
	return nil
}
