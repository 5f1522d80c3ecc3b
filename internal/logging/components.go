package logging

// Component constants for structured logging.
// These render as uppercase bracketed prefixes via ComponentTintHandler,
// e.g. component=dispatch -> "[DISPATCH]".
const (
	ComponentStartup         = "startup"
	ComponentDatabase        = "database"
	ComponentDispatch        = "dispatch"
	ComponentDecomposer      = "decomposer"
	ComponentAggregator      = "aggregator"
	ComponentAssembler       = "assembler"
	ComponentThumbnail       = "thumbnail"
	ComponentPauseGate       = "pause-gate"
	ComponentWorkerAgent     = "worker-agent"
	ComponentSlotScheduler   = "slot-scheduler"
	ComponentCapability      = "capability"
	ComponentToolProvisioner = "tool-provisioner"
	ComponentAssetCache      = "asset-cache"
	ComponentRenderInvoker   = "render-invoker"
	ComponentHeartbeat       = "heartbeat"
	ComponentRendererClient  = "renderer-client"
)
