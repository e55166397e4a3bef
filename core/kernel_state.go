package core

import (
	"fmt"

	"pkt.systems/nbsync/schema"
)

// kernelInput is an input to the kernel connection state machine.
type kernelInput string

const (
	inputConnect       kernelInput = "connect"
	inputConnected     kernelInput = "connected"
	inputConnectFailed kernelInput = "connect_failed"
	inputExecute       kernelInput = "execute"
	inputDone          kernelInput = "done"
	inputReportIdle    kernelInput = "report_idle"
	inputReportBusy    kernelInput = "report_busy"
	inputReportUnknown kernelInput = "report_unknown"
	inputReportDead    kernelInput = "report_dead"
	inputDisconnect    kernelInput = "disconnect"
	inputRestart       kernelInput = "restart"
)

// kernelMachine is the kernel connection state machine:
//
//	offline      --connect-->         connecting
//	connecting   --connected-->       idle
//	connecting   --connect_failed-->  offline
//	idle         --execute-->         busy
//	busy         --done-->            idle
//	idle|busy    --report_unknown-->  reconnecting
//	reconnecting --report_idle/busy--> idle/busy
//	connected    --report_dead-->     offline
//	connected    --restart-->         idle
//	any          --disconnect-->      offline
//
// Inputs that carry no meaning in the current state (a done after the
// session already reconnected, an idle report while idle) leave the state
// unchanged without error. Inputs that would violate the machine return
// ErrInvalidTransition.
type kernelMachine struct {
	status schema.KernelStatus
}

func newKernelMachine() kernelMachine {
	return kernelMachine{status: schema.KernelOffline}
}

// apply feeds one input and reports whether the status changed.
func (m *kernelMachine) apply(in kernelInput) (bool, error) {
	next, err := transition(m.status, in)
	if err != nil {
		return false, err
	}
	if next == m.status {
		return false, nil
	}
	m.status = next
	return true, nil
}

func transition(from schema.KernelStatus, in kernelInput) (schema.KernelStatus, error) {
	invalid := func() (schema.KernelStatus, error) {
		return from, fmt.Errorf("%w: %s on %s", schema.ErrInvalidTransition, in, from)
	}
	switch in {
	case inputDisconnect:
		return schema.KernelOffline, nil
	case inputConnect:
		if from != schema.KernelOffline {
			return invalid()
		}
		return schema.KernelConnecting, nil
	case inputConnected:
		if from != schema.KernelConnecting {
			return invalid()
		}
		return schema.KernelIdle, nil
	case inputConnectFailed:
		if from != schema.KernelConnecting {
			return invalid()
		}
		return schema.KernelOffline, nil
	case inputExecute:
		if from != schema.KernelIdle {
			return invalid()
		}
		return schema.KernelBusy, nil
	case inputDone:
		if from == schema.KernelBusy {
			return schema.KernelIdle, nil
		}
		if from.Connected() {
			return from, nil
		}
		return invalid()
	case inputReportUnknown:
		switch from {
		case schema.KernelIdle, schema.KernelBusy:
			return schema.KernelReconnecting, nil
		case schema.KernelReconnecting:
			return from, nil
		}
		return invalid()
	case inputReportIdle, inputReportBusy:
		if from == schema.KernelReconnecting {
			if in == inputReportIdle {
				return schema.KernelIdle, nil
			}
			return schema.KernelBusy, nil
		}
		if from.Connected() {
			return from, nil
		}
		return invalid()
	case inputReportDead:
		if from.Connected() {
			return schema.KernelOffline, nil
		}
		return invalid()
	case inputRestart:
		if from.Connected() {
			return schema.KernelIdle, nil
		}
		return invalid()
	}
	return invalid()
}

func reportInput(report schema.KernelReport) (kernelInput, bool) {
	switch report {
	case schema.ReportIdle:
		return inputReportIdle, true
	case schema.ReportBusy:
		return inputReportBusy, true
	case schema.ReportUnknown:
		return inputReportUnknown, true
	case schema.ReportDead:
		return inputReportDead, true
	default:
		return "", false
	}
}
