package server

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/vaultlet/vaultlet/server/protocol"
)

var payloadValidator = validator.New()

// decodeValid decodes the payload into v and checks its validate tags.
func (r *request) decodeValid(v interface{}) error {
	if err := r.decode(v); err != nil {
		return err
	}
	if err := payloadValidator.Struct(v); err != nil {
		return errors.Wrap(err, "invalid payload")
	}
	return nil
}

// decodeKey decodes an optional base64 encryption key.
func decodeKey(key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "invalid encryption key")
	}
	return raw, nil
}

type pathRequest struct {
	Path string `json:"path" validate:"required"`
}

type initRequest struct {
	EncryptionKey string `json:"encryptionKey"`
}

type activeInitRequest struct {
	ID            string `json:"id" validate:"required"`
	EncryptionKey string `json:"encryptionKey"`
}

type keyRequest struct {
	Key string `json:"key" validate:"required"`
}

type addRequest struct {
	Key  string          `json:"key" validate:"required"`
	Data json.RawMessage `json:"data"`
}

type listRequest struct {
	FilterKey string `json:"filterKey"`
}

type pairRequest struct {
	InviteCode string `json:"inviteCode" validate:"required"`
}

type listenerRequest struct {
	VaultID string `json:"vaultId" validate:"required"`
}

type loggerRequest struct {
	Enabled bool `json:"enabled"`
}

type recordReply struct {
	Data    json.RawMessage `json:"data"`
	HasFile bool            `json:"hasFile"`
	File    []byte          `json:"file,omitempty"`
}

type fileReply struct {
	Key  string `json:"key"`
	Size int    `json:"size"`
}

type updateNotice struct {
	VaultID string `json:"vaultId"`
}

func (d *dispatcher) storagePathSet(ctx context.Context, req *request) (interface{}, error) {
	payload := new(pathRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	if err := d.manager.SetStoragePath(payload.Path); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) vaultsInit(ctx context.Context, req *request) (interface{}, error) {
	payload := new(initRequest)
	if err := req.decode(payload); err != nil {
		return nil, err
	}
	key, err := decodeKey(payload.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if err := d.manager.VaultsInit(ctx, key); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) vaultsGetStatus(ctx context.Context, req *request) (interface{}, error) {
	return &statusReply{Status: d.manager.VaultsGetStatus()}, nil
}

func (d *dispatcher) vaultsGet(ctx context.Context, req *request) (interface{}, error) {
	payload := new(keyRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	data, err := d.manager.VaultsGet(ctx, payload.Key)
	if err != nil {
		return nil, err
	}
	return &dataReply{Data: data}, nil
}

func (d *dispatcher) vaultsClose(ctx context.Context, req *request) (interface{}, error) {
	if err := d.manager.VaultsClose(ctx); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) vaultsAdd(ctx context.Context, req *request) (interface{}, error) {
	payload := new(addRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	if err := d.manager.VaultsAdd(ctx, payload.Key, payload.Data); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) vaultsList(ctx context.Context, req *request) (interface{}, error) {
	payload := new(listRequest)
	if err := req.decode(payload); err != nil {
		return nil, err
	}
	values, err := d.manager.VaultsList(ctx, payload.FilterKey)
	if err != nil {
		return nil, err
	}
	return &dataReply{Data: values}, nil
}

func (d *dispatcher) activeVaultInit(ctx context.Context, req *request) (interface{}, error) {
	payload := new(activeInitRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	key, err := decodeKey(payload.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if err := d.manager.InitActiveVault(ctx, payload.ID, key); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) activeVaultGetStatus(ctx context.Context, req *request) (interface{}, error) {
	return &statusReply{Status: d.manager.ActiveVaultGetStatus()}, nil
}

func (d *dispatcher) activeVaultClose(ctx context.Context, req *request) (interface{}, error) {
	if err := d.manager.CloseActiveVault(ctx); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) activeVaultRestart(ctx context.Context, req *request) (interface{}, error) {
	if err := d.manager.RestartActiveVault(ctx); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) activeVaultAdd(ctx context.Context, req *request) (interface{}, error) {
	payload := new(addRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	if err := d.manager.ActiveVaultAdd(ctx, payload.Key, payload.Data); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) activeVaultRemove(ctx context.Context, req *request) (interface{}, error) {
	payload := new(keyRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	if err := d.manager.ActiveVaultRemove(ctx, payload.Key); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) activeVaultList(ctx context.Context, req *request) (interface{}, error) {
	payload := new(listRequest)
	if err := req.decode(payload); err != nil {
		return nil, err
	}
	values, err := d.manager.ActiveVaultList(ctx, payload.FilterKey)
	if err != nil {
		return nil, err
	}
	return &dataReply{Data: values}, nil
}

func (d *dispatcher) activeVaultGet(ctx context.Context, req *request) (interface{}, error) {
	payload := new(keyRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	rec, err := d.manager.ActiveVaultGet(ctx, payload.Key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &dataReply{}, nil
	}
	return &recordReply{Data: rec.Data, HasFile: rec.HasFile, File: rec.File}, nil
}

func (d *dispatcher) activeVaultFileAdd(ctx context.Context, req *request) (interface{}, error) {
	if req.stream == nil {
		return nil, errors.New("request has no file stream")
	}
	payload := new(addRequest)
	if err := req.decode(payload); err != nil {
		return nil, err
	}
	header, body, err := protocol.ReadFileStream(req.stream, uint64(d.config.MaxFileBytes))
	if err != nil {
		return nil, err
	}
	key, data := payload.Key, payload.Data
	if key == "" {
		key = header.Key
	}
	if len(data) == 0 {
		data = header.Data
	}
	if key == "" {
		return nil, errors.New("file key is required")
	}
	if err := d.manager.ActiveVaultAddFile(ctx, key, data, body); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) activeVaultFileRemove(ctx context.Context, req *request) (interface{}, error) {
	payload := new(keyRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	if err := d.manager.ActiveVaultRemoveFile(ctx, payload.Key); err != nil {
		return nil, err
	}
	return success, nil
}

// activeVaultFileGet replies with the file's key and size, then sends the
// file on a sub-stream bound to the request id.
func (d *dispatcher) activeVaultFileGet(ctx context.Context, req *request) (interface{}, error) {
	payload := new(keyRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	rec, err := d.manager.ActiveVaultGet(ctx, payload.Key)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.HasFile {
		return nil, errors.Errorf("no file stored under %q", payload.Key)
	}
	header := &protocol.FileHeader{Key: payload.Key, Data: rec.Data}
	file := rec.File
	req.afterReply = func() error {
		sw := req.conn.newStreamWriter(req.id, req.command)
		if err := protocol.WriteFileStream(sw, header, file); err != nil {
			sw.Close()
			return err
		}
		return sw.Close()
	}
	return &fileReply{Key: payload.Key, Size: len(file)}, nil
}

func (d *dispatcher) activeVaultCreateInvite(ctx context.Context, req *request) (interface{}, error) {
	code, err := d.manager.ActiveVaultCreateInvite(ctx)
	if err != nil {
		return nil, err
	}
	return &dataReply{Data: code}, nil
}

func (d *dispatcher) activeVaultDeleteInvite(ctx context.Context, req *request) (interface{}, error) {
	if err := d.manager.ActiveVaultDeleteInvite(ctx); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) pair(ctx context.Context, req *request) (interface{}, error) {
	payload := new(pairRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	paired, err := d.pairing.Pair(ctx, payload.InviteCode)
	if err != nil {
		return nil, err
	}
	return &dataReply{Data: paired}, nil
}

func (d *dispatcher) cancelPair(ctx context.Context, req *request) (interface{}, error) {
	if err := d.pairing.Cancel(); err != nil {
		return nil, err
	}
	return success, nil
}

// initListener forwards change notifications for the active vault to the
// requesting connection as ON_UPDATE requests.
func (d *dispatcher) initListener(ctx context.Context, req *request) (interface{}, error) {
	payload := new(listenerRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	c, vaultID := req.conn, payload.VaultID
	if err := d.manager.InitListener(vaultID, c.id, func() { c.notifyUpdate(vaultID) }); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) closeAll(ctx context.Context, req *request) (interface{}, error) {
	if err := d.manager.CloseAll(ctx); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) workletLogger(ctx context.Context, req *request) (interface{}, error) {
	payload := new(loggerRequest)
	if err := req.decode(payload); err != nil {
		return nil, err
	}
	if !setDebugLogging(d.logger, payload.Enabled, d.config.LogLevel) {
		return nil, errors.New("logger level cannot be changed")
	}
	d.logger.Infof("api: Debug logging enabled: %t", payload.Enabled)
	return success, nil
}

func (d *dispatcher) blindMirrorsGet(ctx context.Context, req *request) (interface{}, error) {
	mirrors, err := d.manager.GetBlindMirrors(ctx)
	if err != nil {
		return nil, err
	}
	return &dataReply{Data: mirrors}, nil
}

func (d *dispatcher) blindMirrorAdd(ctx context.Context, req *request) (interface{}, error) {
	payload := new(keyRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	if err := d.manager.AddBlindMirror(ctx, payload.Key); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) blindMirrorRemove(ctx context.Context, req *request) (interface{}, error) {
	payload := new(keyRequest)
	if err := req.decodeValid(payload); err != nil {
		return nil, err
	}
	if err := d.manager.RemoveBlindMirror(ctx, payload.Key); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) blindMirrorsAddDefault(ctx context.Context, req *request) (interface{}, error) {
	if err := d.manager.AddDefaultBlindMirrors(ctx); err != nil {
		return nil, err
	}
	return success, nil
}

func (d *dispatcher) blindMirrorsRemoveAll(ctx context.Context, req *request) (interface{}, error) {
	if err := d.manager.RemoveAllBlindMirrors(ctx); err != nil {
		return nil, err
	}
	return success, nil
}
