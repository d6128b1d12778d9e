package discovery

import "github.com/opcm/opcmd/pkg/errors"

var (
	errShortTable        = errors.Protocol("uncore discovery table shorter than one PFS entry")
	errMSRBoxNeedsCPU     = errors.Protocol("msr-backed discovery box requires a core id, not a PCI address")
	errUnknownAccessType  = errors.Protocol("uncore discovery box has unknown access_type")
)
