// models/role.go
package models

type Role string

const (
	RoleStudent  Role = "Student"
	RoleStaff    Role = "Staff"
	RoleSecurity Role = "Security"
	RoleIT       Role = "IT"
	RoleAdmin    Role = "Admin"
)

type Capability string

const (
	CapApproveLoans     Capability = "loans:approve"
	CapCheckin          Capability = "loans:checkin"
	CapActOnBehalf      Capability = "loans:on-behalf"
	CapManageEquipment  Capability = "equipment:manage"
	CapManageClassrooms Capability = "classrooms:manage"
	CapReceiveAlerts    Capability = "alerts:receive"
	CapGateCheck        Capability = "gate:check"
	CapManageConfig     Capability = "config:manage"
	CapManageUsers      Capability = "users:manage"
	CapViewAudit        Capability = "audit:view"
)

var AllCapabilities = []Capability{
	CapApproveLoans, CapCheckin, CapActOnBehalf, CapManageEquipment, CapManageClassrooms,
	CapReceiveAlerts, CapGateCheck, CapManageConfig, CapManageUsers, CapViewAudit,
}

var roleCapabilities = map[Role][]Capability{
	RoleStudent: nil,
	RoleStaff:   {CapApproveLoans, CapCheckin, CapActOnBehalf},
	RoleSecurity: {
		CapCheckin, CapManageEquipment, CapReceiveAlerts, CapGateCheck,
	},
	RoleIT: {
		CapApproveLoans, CapCheckin, CapActOnBehalf, CapManageEquipment,
		CapManageClassrooms, CapReceiveAlerts,
	},
	RoleAdmin: {
		CapApproveLoans, CapCheckin, CapActOnBehalf, CapManageEquipment,
		CapManageClassrooms, CapReceiveAlerts, CapGateCheck, CapManageConfig,
		CapManageUsers, CapViewAudit,
	},
}

func (r Role) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

func (r Role) Can(c Capability) bool {
	for _, have := range roleCapabilities[r] {
		if have == c {
			return true
		}
	}
	return false
}

// RolesWith lists every role holding the capability, in a stable order.
func RolesWith(c Capability) []Role {
	var out []Role
	for _, r := range []Role{RoleStudent, RoleStaff, RoleSecurity, RoleIT, RoleAdmin} {
		if r.Can(c) {
			out = append(out, r)
		}
	}
	return out
}
