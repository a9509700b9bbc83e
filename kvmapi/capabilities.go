package kvmapi

// Capability identifies one of the extensions a host kernel's KVM module
// may or may not support, queried with CheckExtension.
type Capability int

// Capability values, as the KVM_CAP_* constants in linux/kvm.h.
const (
	CapIRQChip                Capability = 0
	CapUserMemory              Capability = 3
	CapSetTSSAddr              Capability = 4
	CapEXTCPUID                Capability = 7
	CapCoalescedMMIO           Capability = 8
	CapMPState                 Capability = 14
	CapINTRShadow              Capability = 40
	CapUserNMI                 Capability = 22
	CapSetGuestDebug           Capability = 23
	CapReinjectControl         Capability = 24
	CapIRQRouting              Capability = 25
	CapMCE                     Capability = 31
	CapIRQFD                   Capability = 32
	CapPIT2                    Capability = 33
	CapSetBootCPUID            Capability = 34
	CapPITState2               Capability = 35
	CapIOEventFD               Capability = 36
	CapAdjustClock             Capability = 39
	CapVCPUEvents              Capability = 41
	CapDebugRegs               Capability = 50
	CapEnableCap               Capability = 60
	CapXSave                   Capability = 53
	CapXCRS                    Capability = 56
	CapTSCControl              Capability = 61
	CapONEREG                  Capability = 70
	CapKVMClockCtrl            Capability = 76
	CapSignalMSI               Capability = 77
	CapDeviceCtrl              Capability = 65
	CapEXTEmulCPUID            Capability = 95
	CapVMAttributes            Capability = 101
	CapX86SMM                  Capability = 117
	CapX86DisableExits         Capability = 120
	CapGETMSRFeatures          Capability = 121
	CapNestedState             Capability = 157
	CapCoalescedPIO            Capability = 126
	CapManualDirtyLogProtect2  Capability = 168
	CapPMUEventFilter          Capability = 173
	CapX86UserSpaceMSR         Capability = 188
	CapX86MSRFilter            Capability = 189
	CapX86BusLockExit          Capability = 193
	CapSREGS2                  Capability = 198
	CapBinaryStatsFD           Capability = 199
	CapXSave2                  Capability = 208
	CapSysAttributes           Capability = 102
	CapVMTSCControl            Capability = 214
	CapX86TripleFaultEvent     Capability = 218
	CapX86NotifyVMExit         Capability = 219
)

var capabilityNames = map[Capability]string{
	CapIRQChip:               "KVM_CAP_IRQCHIP",
	CapUserMemory:            "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:            "KVM_CAP_SET_TSS_ADDR",
	CapEXTCPUID:              "KVM_CAP_EXT_CPUID",
	CapCoalescedMMIO:         "KVM_CAP_COALESCED_MMIO",
	CapMPState:               "KVM_CAP_MP_STATE",
	CapINTRShadow:            "KVM_CAP_INTR_SHADOW",
	CapUserNMI:               "KVM_CAP_USER_NMI",
	CapSetGuestDebug:         "KVM_CAP_SET_GUEST_DEBUG",
	CapReinjectControl:       "KVM_CAP_REINJECT_CONTROL",
	CapIRQRouting:            "KVM_CAP_IRQ_ROUTING",
	CapMCE:                   "KVM_CAP_MCE",
	CapIRQFD:                 "KVM_CAP_IRQFD",
	CapPIT2:                  "KVM_CAP_PIT2",
	CapSetBootCPUID:          "KVM_CAP_SET_BOOT_CPU_ID",
	CapPITState2:             "KVM_CAP_PIT_STATE2",
	CapIOEventFD:             "KVM_CAP_IOEVENTFD",
	CapAdjustClock:           "KVM_CAP_ADJUST_CLOCK",
	CapVCPUEvents:            "KVM_CAP_VCPU_EVENTS",
	CapDebugRegs:             "KVM_CAP_DEBUGREGS",
	CapEnableCap:             "KVM_CAP_ENABLE_CAP",
	CapXSave:                 "KVM_CAP_XSAVE",
	CapXCRS:                  "KVM_CAP_XCRS",
	CapTSCControl:            "KVM_CAP_TSC_CONTROL",
	CapONEREG:                "KVM_CAP_ONE_REG",
	CapKVMClockCtrl:          "KVM_CAP_KVMCLOCK_CTRL",
	CapSignalMSI:             "KVM_CAP_SIGNAL_MSI",
	CapDeviceCtrl:            "KVM_CAP_DEVICE_CTRL",
	CapEXTEmulCPUID:          "KVM_CAP_EXT_EMUL_CPUID",
	CapVMAttributes:          "KVM_CAP_VM_ATTRIBUTES",
	CapX86SMM:                "KVM_CAP_X86_SMM",
	CapX86DisableExits:       "KVM_CAP_X86_DISABLE_EXITS",
	CapGETMSRFeatures:        "KVM_CAP_GET_MSR_FEATURES",
	CapNestedState:           "KVM_CAP_NESTED_STATE",
	CapCoalescedPIO:          "KVM_CAP_COALESCED_PIO",
	CapManualDirtyLogProtect2: "KVM_CAP_MANUAL_DIRTY_LOG_PROTECT2",
	CapPMUEventFilter:        "KVM_CAP_PMU_EVENT_FILTER",
	CapX86UserSpaceMSR:       "KVM_CAP_X86_USER_SPACE_MSR",
	CapX86MSRFilter:          "KVM_CAP_X86_MSR_FILTER",
	CapX86BusLockExit:        "KVM_CAP_X86_BUS_LOCK_EXIT",
	CapSREGS2:                "KVM_CAP_SREGS2",
	CapBinaryStatsFD:         "KVM_CAP_BINARY_STATS_FD",
	CapXSave2:                "KVM_CAP_XSAVE2",
	CapSysAttributes:         "KVM_CAP_SYS_ATTRIBUTES",
	CapVMTSCControl:          "KVM_CAP_VM_TSC_CONTROL",
	CapX86TripleFaultEvent:   "KVM_CAP_X86_TRIPLE_FAULT_EVENT",
	CapX86NotifyVMExit:       "KVM_CAP_X86_NOTIFY_VMEXIT",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return "KVM_CAP_UNKNOWN"
}

// CheckExtension reports whether the host KVM module supports cap, and if
// so a capability-specific value (often just 1, sometimes a size or a
// bitmask of sub-features).
func CheckExtension(kvmFd uintptr, cap Capability) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrCheckExtension), uintptr(cap))
}
