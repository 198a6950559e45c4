package stats

/*
Instrument names used across gridsched. Gauges hold the latest value,
counters accumulate, and *_ms names are latencies rendered in milliseconds.
*/
const (
	/****************************** NodeRegistry ******************************/
	// number of nodes in each state
	RegistryFreeNodesGauge      = "freeNodes"
	RegistryBusyNodesGauge      = "busyNodes"
	RegistryToReleaseNodesGauge = "toReleaseNodes"
	RegistryDownNodesGauge      = "downNodes"
	RegistryTotalNodesGauge     = "totalNodes"

	// number of live node sources
	RegistrySourcesGauge = "nodeSources"

	// nodes added / removed over the registry lifetime
	RegistryNodesAddedCounter   = "nodesAdded"
	RegistryNodesRemovedCounter = "nodesRemoved"

	// getFreeNodes calls that could not be fully satisfied
	RegistryInsufficientCounter = "insufficientNodes"

	// tasks notified that they lost a node
	RegistryOrphanCounter = "orphanNotifications"

	// nodes passed over because they ran something while being filtered
	RegistryStaleSelectionCounter = "staleSelections"

	// nodes marked down by the health checker
	HealthNodesDownCounter = "healthNodesDown"
	HealthPingLatency_ms   = "healthPingLatency_ms"

	/**************************** SelectionEngine *****************************/
	// predicate evaluations actually executed against a node
	SelectionEvaluationsCounter = "selectionEvaluations"

	// verdicts served from the per-node cache
	SelectionCacheHitsCounter = "selectionCacheHits"

	// predicates that returned an error while evaluating
	SelectionErrorsCounter = "selectionErrors"

	SelectionFilterLatency_ms = "selectionFilterLatency_ms"

	/****************************** NodeSources *******************************/
	SourceNodesAcquiredCounter     = "sourceNodesAcquired"
	SourceNodesReleasedCounter     = "sourceNodesReleased"
	SourceAcquireFailedCounter     = "sourceAcquireFailures"
	SourceDownNodesReleasedCounter = "sourceDownNodesReleased"

	/****************************** Scheduler *********************************/
	SchedTasksSubmittedCounter = "schedTasksSubmitted"
	SchedTasksStartedCounter   = "schedTasksStarted"
	SchedTasksFinishedCounter  = "schedTasksFinished"
	SchedTasksFailedCounter    = "schedTasksFailed"
	SchedTasksCancelledCounter = "schedTasksCancelled"
	SchedTasksRetriedCounter   = "schedTasksRetried"
	SchedTasksOrphanedCounter  = "schedTasksOrphaned"
	SchedLaunchFailuresCounter = "schedLaunchFailures"
	SchedInvariantCounter      = "schedInvariantViolations"
	SchedRecoveredTasksCounter = "schedRecoveredTasks"

	// tasks currently in each status
	SchedPendingTasksGauge = "schedPendingTasks"
	SchedRunningTasksGauge = "schedRunningTasks"
	SchedPausedTasksGauge  = "schedPausedTasks"

	// time spent in a single pass of the dispatch loop
	SchedStepLatency_ms = "schedStepLatency_ms"

	// time a task spent Pending before it started
	SchedTaskWaitLatency_ms = "schedTaskWaitLatency_ms"

	// store writes that failed
	SchedStoreErrorsCounter = "schedStoreErrors"

	/******************************** Proxy ***********************************/
	ProxyLoginsCounter        = "proxyLogins"
	ProxyAuthFailuresCounter  = "proxyAuthFailures"
	ProxyRejectedCounter      = "proxyRejectedRequests"
	ProxyRateLimitedCounter   = "proxyRateLimited"
	ProxyReconnectsCounter    = "proxyReconnects"
	ProxyActiveSessionsGauge  = "proxyActiveSessions"
	ProxyDisconnectErrCounter = "proxyDisconnectErrors"
)
