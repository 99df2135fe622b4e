package proc

import (
	"silicium/kernel"
	"silicium/kernel/list"
	"silicium/kernel/mem/vmm"
)

// Pid identifies a process. A process's pid is unset (0) until its first
// thread joins, at which point it equals that thread's tid.
type Pid = Tid

// Credentials mirrors the uid/gid/session/process-group/umask record
// every process carries, named after the credential fields threaded
// through the retrieval pack's biscuit kernel (biscuit/src/accnt.go's
// per-process accounting record follows the same "one struct, one
// Mutex-guarded snapshot" shape).
type Credentials struct {
	Uid, Gid   uint32
	Euid, Egid uint32
	Fsuid      uint32
	Fsgid      uint32
	Sid, Pgid  uint32
	Umask      uint32
}

// Process aggregates the threads, address space, and credentials of one
// running program (C9). Unlike Thread, whose scheduler/global list
// membership is a hot path walked on every tick, a process's child/thread
// bookkeeping is touched only at creation, exit, and reap, so it is kept
// as plain slices rather than intrusive list links.
type Process struct {
	globalLink list.Head

	pid   Pid
	creds Credentials

	parent   *Process
	as       *vmm.AddressSpace
	threads  []*Thread
	children []*Process
}

var (
	// InitProcess is the process every orphan is reparented to. It must
	// be installed via SetInitProcess once pid 1 exists.
	InitProcess *Process

	globalProcesses list.List
)

// InitGlobalList prepares the package-wide process list. Must be called
// once during boot before the first call to Create.
func InitGlobalList() {
	globalProcesses.Init()
}

// AddressSpace returns the process's address-space context.
func (p *Process) AddressSpace() *vmm.AddressSpace { return p.as }

// Pid returns the process's id, 0 if no thread has joined it yet.
func (p *Process) Pid() Pid { return p.pid }

// Credentials returns a copy of the process's credential record.
func (p *Process) Credentials() Credentials { return p.creds }

// Parent returns the parent process, or nil for the init process.
func (p *Process) Parent() *Process { return p.parent }

// SetInitProcess installs p as the process orphans are reparented to.
func SetInitProcess(p *Process) { InitProcess = p }

// Create allocates a fresh process with a new address-space context and
// zero-valued credentials.
func Create() (*Process, *kernel.Error) {
	as, err := vmm.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	p := &Process{as: as}
	globalProcesses.PushBack(&p.globalLink)
	return p, nil
}

// Clone creates a new process that copies src's credentials and clones
// src's address space under copy-on-write via vmm.CloneAddressSpace. The
// new process is registered as a child of src.
func Clone(src *Process) (*Process, *kernel.Error) {
	as, err := vmm.CloneAddressSpace(src.as)
	if err != nil {
		return nil, err
	}

	p := &Process{as: as, creds: src.creds, parent: src}
	globalProcesses.PushBack(&p.globalLink)
	src.children = append(src.children, p)
	return p, nil
}

// AddThread joins t to p. The first thread to join a process sets the
// process's pid to that thread's tid.
func (p *Process) AddThread(t *Thread) {
	if p.pid == 0 {
		p.pid = t.tid
	}
	t.proc = p
	p.threads = append(p.threads, t)
}

// RemoveThread unjoins a reaped thread from p, e.g. once Destroy has
// freed it.
func (p *Process) RemoveThread(t *Thread) {
	for i, th := range p.threads {
		if th == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// ThreadCount returns the number of threads currently joined to p.
func (p *Process) ThreadCount() int { return len(p.threads) }

var errStillHasThreads = &kernel.Error{Module: "proc", Message: "process still has live threads"}

// Reap tears down p once every one of its threads has been destroyed.
// Orphaned children are reparented to InitProcess.
func (p *Process) Reap() *kernel.Error {
	if len(p.threads) != 0 {
		return errStillHasThreads
	}

	for _, child := range p.children {
		child.parent = InitProcess
		if InitProcess != nil {
			InitProcess.children = append(InitProcess.children, child)
		}
	}
	p.children = nil

	if p.parent != nil {
		siblings := p.parent.children
		for i, sib := range siblings {
			if sib == p {
				p.parent.children = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}

	list.Remove(&p.globalLink)
	return nil
}
