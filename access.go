package scm

// Standard and generic access rights
const (
	AccessDelete         uint32 = 0x00010000
	AccessReadControl    uint32 = 0x00020000
	AccessWriteDAC       uint32 = 0x00040000
	AccessWriteOwner     uint32 = 0x00080000
	AccessMaximumAllowed uint32 = 0x02000000
	GenericAll           uint32 = 0x10000000
	GenericExecute       uint32 = 0x20000000
	GenericWrite         uint32 = 0x40000000
	GenericRead          uint32 = 0x80000000
)

// Manager access rights
const (
	ManagerConnect          uint32 = 0x0001
	ManagerCreateService    uint32 = 0x0002
	ManagerEnumerateService uint32 = 0x0004
	ManagerLock             uint32 = 0x0008
	ManagerQueryLockStatus  uint32 = 0x0010
	ManagerModifyBootConfig uint32 = 0x0020
	ManagerAllAccess        uint32 = 0x000F003F
)

// Service access rights
const (
	ServiceQueryConfig         uint32 = 0x0001
	ServiceChangeConfig        uint32 = 0x0002
	ServiceQueryStatus         uint32 = 0x0004
	ServiceEnumerateDependents uint32 = 0x0008
	ServiceStart               uint32 = 0x0010
	ServiceStop                uint32 = 0x0020
	ServicePauseContinue       uint32 = 0x0040
	ServiceInterrogate         uint32 = 0x0080
	ServiceUserDefinedControl  uint32 = 0x0100
	ServiceAllAccess           uint32 = 0x000F01FF

	// ServiceSetStatus is held only by the hosted process reporting status.
	// It is not part of ServiceAllAccess.
	ServiceSetStatus uint32 = 0x8000
)

// GenericMapping maps each generic right to the specific rights it grants
type GenericMapping struct {
	Read    uint32
	Write   uint32
	Execute uint32
	All     uint32
}

var managerMapping = GenericMapping{
	Read:    AccessReadControl | ManagerEnumerateService | ManagerQueryLockStatus,
	Write:   AccessReadControl | ManagerCreateService | ManagerModifyBootConfig,
	Execute: AccessReadControl | ManagerConnect | ManagerLock,
	All:     ManagerAllAccess,
}

var serviceMapping = GenericMapping{
	Read:    AccessReadControl | ServiceQueryConfig | ServiceQueryStatus | ServiceInterrogate | ServiceEnumerateDependents,
	Write:   AccessReadControl | ServiceChangeConfig,
	Execute: AccessReadControl | ServiceStart | ServiceStop | ServicePauseContinue | ServiceUserDefinedControl,
	All:     ServiceAllAccess,
}

// Map replaces the generic bits of mask with the specific rights they grant
func (g GenericMapping) Map(mask uint32) uint32 {
	if mask&GenericRead != 0 {
		mask |= g.Read
	}
	if mask&GenericWrite != 0 {
		mask |= g.Write
	}
	if mask&GenericExecute != 0 {
		mask |= g.Execute
	}
	if mask&GenericAll != 0 {
		mask |= g.All
	}
	return mask &^ (GenericRead | GenericWrite | GenericExecute | GenericAll)
}

// grant computes the access held by a new handle. Requesting the maximum
// allowed sentinel grants every right of the object.
func grant(g GenericMapping, requested uint32) uint32 {
	if requested&AccessMaximumAllowed != 0 {
		requested |= g.All
	}
	return g.Map(requested) &^ AccessMaximumAllowed
}

// MapManagerAccess maps a requested manager access mask to specific rights
func MapManagerAccess(requested uint32) uint32 {
	return grant(managerMapping, requested)
}

// MapServiceAccess maps a requested service access mask to specific rights
func MapServiceAccess(requested uint32) uint32 {
	return grant(serviceMapping, requested)
}

// controlAccess returns the service right needed to send c
func controlAccess(c Control) (uint32, bool) {
	switch c {
	case ControlContinue, ControlPause, ControlParamChange,
		ControlNetBindAdd, ControlNetBindRemove, ControlNetBindEnable, ControlNetBindDisable:
		return ServicePauseContinue, true
	case ControlInterrogate:
		return ServiceInterrogate, true
	case ControlStop:
		return ServiceStop, true
	default:
		if c.UserDefined() {
			return ServiceUserDefinedControl, true
		}
		return 0, false
	}
}
