package protocol

import "fmt"

// Command is the opcode carried by every request frame. Values are part of
// the wire contract and must never be renumbered.
type Command uint16

const (
	StoragePathSet Command = 1

	VaultsInit      Command = 2
	VaultsGetStatus Command = 3
	VaultsGet       Command = 4
	VaultsClose     Command = 5
	VaultsAdd       Command = 6
	VaultsList      Command = 7

	ActiveVaultFileAdd    Command = 8
	ActiveVaultFileRemove Command = 9
	ActiveVaultFileGet    Command = 10

	ActiveVaultInit         Command = 11
	ActiveVaultGetStatus    Command = 12
	ActiveVaultClose        Command = 13
	ActiveVaultAdd          Command = 14
	ActiveVaultRemove       Command = 15
	ActiveVaultList         Command = 16
	ActiveVaultGet          Command = 17
	ActiveVaultCreateInvite Command = 18
	ActiveVaultDeleteInvite Command = 19

	Pair         Command = 20
	InitListener Command = 21
	OnUpdate     Command = 22

	EncryptionInit                              Command = 23
	EncryptionGetStatus                         Command = 24
	EncryptionGet                               Command = 25
	EncryptionAdd                               Command = 26
	EncryptionClose                             Command = 27
	EncryptionHashPassword                      Command = 28
	EncryptionEncryptVaultKeyWithHashedPassword Command = 29
	EncryptionEncryptVaultWithKey               Command = 30
	EncryptionDecryptVaultKey                   Command = 31
	EncryptionGetDecryptionKey                  Command = 32

	Close         Command = 33
	WorkletLogger Command = 34

	CancelPair         Command = 35
	ActiveVaultRestart Command = 36

	BlindMirrorsGet        Command = 37
	BlindMirrorAdd         Command = 38
	BlindMirrorRemove      Command = 39
	BlindMirrorsAddDefault Command = 40
	BlindMirrorsRemoveAll  Command = 41

	EncryptionEncryptVaultKey Command = 42
)

var commandNames = map[Command]string{
	StoragePathSet:          "STORAGE_PATH_SET",
	VaultsInit:              "VAULTS_INIT",
	VaultsGetStatus:         "VAULTS_GET_STATUS",
	VaultsGet:               "VAULTS_GET",
	VaultsClose:             "VAULTS_CLOSE",
	VaultsAdd:               "VAULTS_ADD",
	VaultsList:              "VAULTS_LIST",
	ActiveVaultFileAdd:      "ACTIVE_VAULT_FILE_ADD",
	ActiveVaultFileRemove:   "ACTIVE_VAULT_FILE_REMOVE",
	ActiveVaultFileGet:      "ACTIVE_VAULT_FILE_GET",
	ActiveVaultInit:         "ACTIVE_VAULT_INIT",
	ActiveVaultGetStatus:    "ACTIVE_VAULT_GET_STATUS",
	ActiveVaultClose:        "ACTIVE_VAULT_CLOSE",
	ActiveVaultAdd:          "ACTIVE_VAULT_ADD",
	ActiveVaultRemove:       "ACTIVE_VAULT_REMOVE",
	ActiveVaultList:         "ACTIVE_VAULT_LIST",
	ActiveVaultGet:          "ACTIVE_VAULT_GET",
	ActiveVaultCreateInvite: "ACTIVE_VAULT_CREATE_INVITE",
	ActiveVaultDeleteInvite: "ACTIVE_VAULT_DELETE_INVITE",
	Pair:                    "PAIR",
	InitListener:            "INIT_LISTENER",
	OnUpdate:                "ON_UPDATE",
	EncryptionInit:          "ENCRYPTION_INIT",
	EncryptionGetStatus:     "ENCRYPTION_GET_STATUS",
	EncryptionGet:           "ENCRYPTION_GET",
	EncryptionAdd:           "ENCRYPTION_ADD",
	EncryptionClose:         "ENCRYPTION_CLOSE",
	EncryptionHashPassword:  "ENCRYPTION_HASH_PASSWORD",
	EncryptionEncryptVaultKeyWithHashedPassword: "ENCRYPTION_ENCRYPT_VAULT_KEY_WITH_HASHED_PASSWORD",
	EncryptionEncryptVaultWithKey:               "ENCRYPTION_ENCRYPT_VAULT_WITH_KEY",
	EncryptionDecryptVaultKey:                   "ENCRYPTION_DECRYPT_VAULT_KEY",
	EncryptionGetDecryptionKey:                  "ENCRYPTION_GET_DECRYPTION_KEY",
	Close:                                       "CLOSE",
	WorkletLogger:                               "WORKLET_LOGGER",
	CancelPair:                                  "CANCEL_PAIR",
	ActiveVaultRestart:                          "ACTIVE_VAULT_RESTART",
	BlindMirrorsGet:                             "BLIND_MIRRORS_GET",
	BlindMirrorAdd:                              "BLIND_MIRROR_ADD",
	BlindMirrorRemove:                           "BLIND_MIRROR_REMOVE",
	BlindMirrorsAddDefault:                      "BLIND_MIRRORS_ADD_DEFAULT",
	BlindMirrorsRemoveAll:                       "BLIND_MIRRORS_REMOVE_ALL",
	EncryptionEncryptVaultKey:                   "ENCRYPTION_ENCRYPT_VAULT_KEY",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(c))
}
