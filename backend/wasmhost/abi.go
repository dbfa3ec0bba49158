package wasmhost

// Versions of the guest ABI this host implements.
const (
	APIVersion  uint32 = 1
	APIProtocol uint32 = 0
)

// Host functions are imported by guests from this module.
const importModule = "env"

const (
	globalAPIVersion  = "JAMSOCKET_API_VERSION"
	globalAPIProtocol = "JAMSOCKET_API_PROTOCOL"
	exportMemory      = "memory"

	exportInitialize = "initialize"
	exportConnect    = "connect"
	exportDisconnect = "disconnect"
	exportMessage    = "message"
	exportBinary     = "binary"
	exportTimer      = "timer"
	exportMalloc     = "malloc"
	exportFree       = "free"

	importSendMessage = "send_message"
	importSendBinary  = "send_binary"
	importSetTimer    = "set_timer"

	// WASI reactors export this; it runs before the version check.
	startReactor = "_initialize"
)

var requiredExports = []string{
	exportInitialize,
	exportConnect,
	exportDisconnect,
	exportMessage,
	exportBinary,
	exportTimer,
	exportMalloc,
	exportFree,
}
