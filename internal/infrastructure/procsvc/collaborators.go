package procsvc

// ServiceSet is the external scheduler collaborator (spec.md §6). The core
// never resolves dependencies or drives other services itself; it only
// reports outcomes and asks its set to re-evaluate queues.
type ServiceSet interface {
	// Notify delivers a service_event for svc.
	Notify(svc *Service, ev Event)

	// ProcessQueues is invoked after any state transition that may unblock
	// dependents, so the set can re-check what it's waiting on.
	ProcessQueues()

	// DepsStarted reports whether svc's declared dependencies are all
	// currently started. Consulted only by do_restart when a restart lands
	// on a service still in STARTING (spec.md §4.4).
	DepsStarted(svc *Service) bool
}

// NoopServiceSet is a ServiceSet that observes without acting, useful for
// driving a single Service in isolation (tests, the demo binary when run
// with one service and no dependencies).
type NoopServiceSet struct{}

func (NoopServiceSet) Notify(*Service, Event)    {}
func (NoopServiceSet) ProcessQueues()            {}
func (NoopServiceSet) DepsStarted(*Service) bool { return true }
