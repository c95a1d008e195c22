package shared

const (
	UserID = "user_id"

	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleUser      = "user"

	// Module names with built-in limiting policies. ModuleAll is the
	// sentinel a manual block uses to match every module.
	ModuleAll      = "all"
	ModuleAuth     = "auth"
	ModuleRegister = "register"
	ModuleChat     = "chat"
	ModuleUpload   = "upload"
	ModuleEmail    = "email"

	// ModuleAdmin has no built-in policy; the admin surface is throttled
	// only once an operator creates one.
	ModuleAdmin = "admin"

	ModeMonitor = "monitor"
	ModeEnforce = "enforce"

	EventTypeWarning = "warning"
	EventTypeBlock   = "block"

	KeyTypeUser = "user"
	KeyTypeIP   = "ip"

	SourceAutomatic = "automatic"
	SourceManual    = "manual"
)
