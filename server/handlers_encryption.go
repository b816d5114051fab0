package server

import (
	"context"
	"encoding/json"

	"github.com/vaultlet/vaultlet/server/encryption"
)

// Empty passwords are valid.
type passwordRequest struct {
	Password string `json:"password"`
}

type hashedPasswordRequest struct {
	HashedPassword string `json:"hashedPassword" validate:"required,hexadecimal"`
}

type encryptWithKeyRequest struct {
	HashedPassword string `json:"hashedPassword" validate:"required,hexadecimal"`
	Key            string `json:"key" validate:"required,base64"`
}

// decryptRequest takes the derived key as hashedPassword or decryptionKey.
type decryptRequest struct {
	Ciphertext     string `json:"ciphertext" validate:"required"`
	Nonce          string `json:"nonce" validate:"required"`
	HashedPassword string `json:"hashedPassword" validate:"required_without=DecryptionKey"`
	DecryptionKey  string `json:"decryptionKey" validate:"required_without=HashedPassword"`
}

func (r *decryptRequest) key() string {
	if r.HashedPassword != "" {
		return r.HashedPassword
	}
	return r.DecryptionKey
}

type decryptionKeyRequest struct {
	Password string `json:"password"`
	Salt     string `json:"salt" validate:"required,base64"`
}

func (d *dispatcher) encryptionInit(ctx context.Context, req *request) (interface{}, error) {
	if err := d.manager.EncryptionInit(ctx); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) encryptionGetStatus(ctx context.Context, req *request) (interface{}, error) {
	return &statusReply{Status: d.manager.EncryptionGetStatus()}, nil
}

func (d *dispatcher) encryptionGet(ctx context.Context, req *request) (interface{}, error) {
	payload := new(keyRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	data, err := d.manager.EncryptionGet(ctx, payload.Key)
	if err != nil {
		return nil, err
	}
	return &dataReply{Data: data}, nil
}

func (d *dispatcher) encryptionAdd(ctx context.Context, req *request) (interface{}, error) {
	payload := new(addRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	if err := d.manager.EncryptionAdd(ctx, payload.Key, payload.Data); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) encryptionClose(ctx context.Context, req *request) (interface{}, error) {
	if err := d.manager.EncryptionClose(ctx); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) hashPassword(ctx context.Context, req *request) (interface{}, error) {
	payload := new(passwordRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	return encryption.HashPassword(payload.Password)
}

func (d *dispatcher) encryptVaultKeyWithHashedPassword(ctx context.Context, req *request) (interface{}, error) {
	payload := new(hashedPasswordRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	return encryption.EncryptVaultKeyWithHashedPassword(payload.HashedPassword)
}

func (d *dispatcher) encryptVaultWithKey(ctx context.Context, req *request) (interface{}, error) {
	payload := new(encryptWithKeyRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	return encryption.EncryptVaultWithKey(payload.HashedPassword, payload.Key)
}

// decryptVaultKey replies {data: null} for a wrong password rather than an
// error.
func (d *dispatcher) decryptVaultKey(ctx context.Context, req *request) (interface{}, error) {
	payload := new(decryptRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	result := encryption.DecryptVaultKey(encryption.SealedKey{
		Ciphertext: payload.Ciphertext,
		Nonce:      payload.Nonce,
	}, payload.key())
	key, ok := result.Key()
	if !ok {
		d.logger.Debugf("api: Vault key did not decrypt")
		return &dataReply{Data: json.RawMessage("null")}, nil
	}
	return &dataReply{Data: key}, nil
}

func (d *dispatcher) getDecryptionKey(ctx context.Context, req *request) (interface{}, error) {
	payload := new(decryptionKeyRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	hashed, err := encryption.GetDecryptionKey(payload.Password, payload.Salt)
	if err != nil {
		return nil, err
	}
	return &dataReply{Data: hashed}, nil
}

func (d *dispatcher) encryptVaultKey(ctx context.Context, req *request) (interface{}, error) {
	payload := new(passwordRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	created, err := encryption.EncryptVaultKey(payload.Password)
	if err != nil {
		return nil, err
	}
	return &dataReply{Data: created}, nil
}
