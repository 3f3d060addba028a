// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"fmt"
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// jobEnforcer places the process in a job object with memory and user
// time ceilings. Windows offers no per-process syscall filter, so
// AllowedSyscalls and GPUEnabled have no effect.
type jobEnforcer struct {
	// job stays open for the life of the process.
	job windows.Handle
}

func newEnforcer() enforcer { return &jobEnforcer{} }

func (*jobEnforcer) name() string { return "job-object" }

func (*jobEnforcer) check(Policy) (Report, error) { return Report{}, nil }

func (e *jobEnforcer) apply(p Policy) error {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return fmt.Errorf("create job object: %w", err)
	}

	var info windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	if p.MemoryLimit > 0 {
		limit := p.MemoryLimit
		if limit > math.MaxUint {
			limit = math.MaxUint
		}
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_JOB_MEMORY
		info.JobMemoryLimit = uintptr(limit)
	}
	if secs := p.cpuSeconds(); secs > 0 {
		// Job time limits are in 100ns units.
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_PROCESS_TIME
		info.BasicLimitInformation.PerProcessUserTimeLimit = int64(secs) * int64(time.Second/100)
	}

	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		windows.CloseHandle(job)
		return fmt.Errorf("set job limits: %w", err)
	}
	if err := windows.AssignProcessToJobObject(job, windows.CurrentProcess()); err != nil {
		windows.CloseHandle(job)
		return fmt.Errorf("assign process to job: %w", err)
	}
	e.job = job
	return nil
}
