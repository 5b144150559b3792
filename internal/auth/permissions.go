package auth

const (
	PermChatCreate      = "chat.create"
	PermChatSendPrivate = "chat.send_private"
	PermRAGSearch       = "rag.search"
	PermRAGIngest       = "rag.ingest"
	PermPolicyManage    = "policy.manage"
	PermBudgetManage    = "budget.manage"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleGuest  = "guest"
)

// BuiltinPermissions maps tenant roles to the permissions they carry unless a tenant
// supplies its own resolver. Custom roles carry nothing by default.
var BuiltinPermissions = StaticPermissions{
	RoleOwner: {
		PermChatCreate, PermChatSendPrivate, PermRAGSearch, PermRAGIngest,
		PermPolicyManage, PermBudgetManage,
	},
	RoleAdmin: {
		PermChatCreate, PermChatSendPrivate, PermRAGSearch, PermRAGIngest,
		PermPolicyManage, PermBudgetManage,
	},
	RoleMember: {PermChatCreate, PermChatSendPrivate, PermRAGSearch},
	RoleGuest:  nil,
}
