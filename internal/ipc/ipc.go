// Package ipc implements synchronous rendezvous message passing between
// environments: no kernel-side queueing, an optional single page mapping
// transferred alongside the value, and permission-monotone downgrade
// enforced on any transferred page exactly as page_map enforces it.
package ipc

import (
	"github.com/biscuit-exok/exok/internal/kerr"
	"github.com/biscuit-exok/exok/internal/mem"
	"github.com/biscuit-exok/exok/internal/proc"
	"github.com/biscuit-exok/exok/internal/vm"
)

// TrySend attempts to hand value (and, if srcVA is in-bounds, a mapping
// of the page at srcVA with perm) from sender to the environment named
// by toID. It does not block: if the target is not currently parked in
// Recv, the call fails immediately with IpcNotRecv — there is no kernel
// queue to hold a pending send.
func TrySend(t *proc.Table, sender *proc.Env, toID proc.ID, value uint32, srcVA vm.VA, perm mem.Pa) kerr.Err {
	to, err := t.Lookup(toID, false, sender.ID)
	if err != kerr.OK {
		return err
	}
	if !to.Recving {
		return kerr.IpcNotRecv
	}

	if srcVA != 0 && vm.InBounds(srcVA) && to.RecvVA != 0 && vm.InBounds(to.RecvVA) {
		frame, srcPerm, ok := sender.Space.Lookup(srcVA)
		if !ok {
			return kerr.Inval
		}
		if !vm.PermMonotone(srcPerm, perm) {
			return kerr.Inval
		}
		if ierr := to.Space.Insert(to.RecvVA, frame, perm); ierr != kerr.OK {
			return ierr
		}
		to.IPCPerm = perm
	} else {
		to.IPCPerm = 0
	}

	to.IPCFrom = sender.ID
	to.IPCValue = value
	to.Recving = false
	to.Status = proc.StatusRunnable
	return kerr.OK
}

// Recv parks e to receive its next message at recvVA (0 means "no page
// transfer accepted"). Recv records the receive state and marks e
// NotRunnable; the caller is expected to then let the scheduler run
// something else.
func Recv(e *proc.Env, recvVA vm.VA) kerr.Err {
	if recvVA != 0 && (!vm.InBounds(recvVA) || !vm.Aligned(recvVA)) {
		return kerr.Inval
	}
	e.Recving = true
	e.RecvVA = recvVA
	e.Status = proc.StatusNotRunnable
	return kerr.OK
}
