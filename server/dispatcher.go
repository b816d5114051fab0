package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vaultlet/vaultlet/server/logger"
	"github.com/vaultlet/vaultlet/server/protocol"
)

var errCommandNotFound = errors.New("Command not found")

// request is one decoded inbound command.
type request struct {
	id      uint32
	command protocol.Command
	payload []byte

	// stream is the inbound sub-stream of a request flagged with Stream.
	stream io.Reader

	conn *conn

	// afterReply, when set by a handler, runs once the reply frame has been
	// written. Outbound sub-streams are sent from here.
	afterReply func() error
}

// decode unmarshals the JSON payload into v. An empty payload leaves v
// untouched.
func (r *request) decode(v interface{}) error {
	if len(r.payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.payload, v); err != nil {
		return errors.Wrap(err, "invalid payload")
	}
	return nil
}

type successReply struct {
	Success bool `json:"success"`
}

type statusReply struct {
	Status bool `json:"status"`
}

type dataReply struct {
	Data interface{} `json:"data"`
}

type errorReply struct {
	Error string `json:"error"`
}

var success = &successReply{Success: true}

type handlerFunc func(ctx context.Context, req *request) (interface{}, error)

// route binds a handler to the context prefixed to its error replies.
type route struct {
	errContext string
	handle     handlerFunc
}

// dispatcher maps opcodes to handlers. It never returns an error to the
// transport: every failure becomes an {error} reply.
type dispatcher struct {
	*Server
	routes map[protocol.Command]route
}

func newDispatcher(s *Server) *dispatcher {
	d := &dispatcher{Server: s}
	d.routes = map[protocol.Command]route{
		protocol.StoragePathSet: {"Error setting storage path", d.storagePathSet},

		protocol.VaultsInit:      {"Error initializing vaults", d.vaultsInit},
		protocol.VaultsGetStatus: {"Error getting vaults status", d.vaultsGetStatus},
		protocol.VaultsGet:       {"Error getting vault", d.vaultsGet},
		protocol.VaultsClose:     {"Error closing vaults", d.vaultsClose},
		protocol.VaultsAdd:       {"Error adding vault", d.vaultsAdd},
		protocol.VaultsList:      {"Error listing vaults", d.vaultsList},

		protocol.ActiveVaultFileAdd:    {"Error adding file to active vault", d.activeVaultFileAdd},
		protocol.ActiveVaultFileRemove: {"Error removing file from active vault", d.activeVaultFileRemove},
		protocol.ActiveVaultFileGet:    {"Error getting file from active vault", d.activeVaultFileGet},

		protocol.ActiveVaultInit:         {"Error initializing active vault", d.activeVaultInit},
		protocol.ActiveVaultGetStatus:    {"Error getting active vault status", d.activeVaultGetStatus},
		protocol.ActiveVaultClose:        {"Error closing active vault", d.activeVaultClose},
		protocol.ActiveVaultAdd:          {"Error adding record to active vault", d.activeVaultAdd},
		protocol.ActiveVaultRemove:       {"Error removing record from active vault", d.activeVaultRemove},
		protocol.ActiveVaultList:         {"Error listing records from active vault", d.activeVaultList},
		protocol.ActiveVaultGet:          {"Error getting record from active vault", d.activeVaultGet},
		protocol.ActiveVaultCreateInvite: {"Error creating invite", d.activeVaultCreateInvite},
		protocol.ActiveVaultDeleteInvite: {"Error deleting invite", d.activeVaultDeleteInvite},
		protocol.ActiveVaultRestart:      {"Error restarting active vault", d.activeVaultRestart},

		protocol.Pair:         {"Error pairing", d.pair},
		protocol.CancelPair:   {"Error canceling pairing", d.cancelPair},
		protocol.InitListener: {"Error initializing listener", d.initListener},

		protocol.EncryptionInit:                              {"Error initializing encryption", d.encryptionInit},
		protocol.EncryptionGetStatus:                         {"Error getting encryption status", d.encryptionGetStatus},
		protocol.EncryptionGet:                               {"Error getting encryption data", d.encryptionGet},
		protocol.EncryptionAdd:                               {"Error adding encryption data", d.encryptionAdd},
		protocol.EncryptionClose:                             {"Error closing encryption", d.encryptionClose},
		protocol.EncryptionHashPassword:                      {"Error hashing password", d.hashPassword},
		protocol.EncryptionEncryptVaultKeyWithHashedPassword: {"Error encrypting vault key", d.encryptVaultKeyWithHashedPassword},
		protocol.EncryptionEncryptVaultWithKey:               {"Error encrypting vault", d.encryptVaultWithKey},
		protocol.EncryptionDecryptVaultKey:                   {"Error decrypting vault key", d.decryptVaultKey},
		protocol.EncryptionGetDecryptionKey:                  {"Error getting decryption key", d.getDecryptionKey},
		protocol.EncryptionEncryptVaultKey:                   {"Error creating vault key", d.encryptVaultKey},

		protocol.Close:         {"Error closing", d.closeAll},
		protocol.WorkletLogger: {"Error setting logger", d.workletLogger},

		protocol.BlindMirrorsGet:        {"Error getting blind mirrors", d.blindMirrorsGet},
		protocol.BlindMirrorAdd:         {"Error adding blind mirror", d.blindMirrorAdd},
		protocol.BlindMirrorRemove:      {"Error removing blind mirror", d.blindMirrorRemove},
		protocol.BlindMirrorsAddDefault: {"Error adding default blind mirrors", d.blindMirrorsAddDefault},
		protocol.BlindMirrorsRemoveAll:  {"Error removing blind mirrors", d.blindMirrorsRemoveAll},
	}
	return d
}

// dispatch runs the handler for req and returns the encoded reply and
// whether it reports an error.
func (d *dispatcher) dispatch(ctx context.Context, req *request) (reply []byte, failed bool) {
	r, ok := d.routes[req.command]
	if !ok {
		d.logger.Warnf("api: Unknown command %s", req.command)
		return encodeReply(&errorReply{Error: errCommandNotFound.Error()}), true
	}
	d.logger.Debugf("api: %s [id=%d]", req.command, req.id)

	resp, err := d.call(ctx, r.handle, req)
	if err != nil {
		d.logger.Errorf("api: %s: %v", r.errContext, err)
		req.afterReply = nil
		return encodeReply(&errorReply{Error: fmt.Sprintf("%s: %v", r.errContext, err)}), true
	}
	return encodeReply(resp), false
}

// call runs a handler, turning a panic into an error so one bad request
// cannot take the connection down.
func (d *dispatcher) call(ctx context.Context, h handlerFunc, req *request) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("api: Panic handling %s: %v\n%s", req.command, r, debug.Stack())
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return h(ctx, req)
}

func encodeReply(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(&errorReply{Error: errors.Wrap(err, "failed to encode reply").Error()})
	}
	return data
}

// setDebugLogging toggles debug output at runtime when the logger supports
// it.
func setDebugLogging(l logger.Logger, enabled bool, baseLevel uint32) bool {
	setter, ok := l.(logger.LevelSetter)
	if !ok {
		return false
	}
	if enabled {
		setter.SetLevel(uint32(log.DebugLevel))
	} else {
		setter.SetLevel(baseLevel)
	}
	return true
}
