package healing

// Built-in rules ship with the daemon and cover every check type the drift
// scanners emit. They are authoritative: a yaml or synced rule with the same
// ID is skipped at load, and builtins always match before either source.
//
// Two shapes only. Checks with a safe runbook auto-heal; checks where the
// finding may be an attack in progress or needs human judgment escalate
// straight to L3.

func healRule(id, name, checkType, runbookID string, hipaa ...string) *Rule {
	return &Rule{
		ID:          id,
		Name:        name,
		Description: "Auto-heal " + checkType + " drift via " + runbookID,
		Conditions: []RuleCondition{
			{Field: "check_type", Operator: OpEquals, Value: checkType},
			{Field: "drift_detected", Operator: OpEquals, Value: true},
		},
		Action:          ActionExecuteRunbook,
		RunbookID:       runbookID,
		HIPAAControls:   hipaa,
		Enabled:         true,
		Priority:        10,
		CooldownSeconds: 300,
		Source:          SourceBuiltin,
	}
}

func escalateRule(id, name, checkType, reason string, hipaa ...string) *Rule {
	return &Rule{
		ID:          id,
		Name:        name,
		Description: "Escalate " + checkType + " findings to an operator",
		Conditions: []RuleCondition{
			{Field: "check_type", Operator: OpEquals, Value: checkType},
			{Field: "drift_detected", Operator: OpEquals, Value: true},
		},
		Action:          ActionEscalate,
		ActionParams:    map[string]interface{}{"reason": reason},
		HIPAAControls:   hipaa,
		Enabled:         true,
		Priority:        5,
		CooldownSeconds: 3600,
		Source:          SourceBuiltin,
	}
}

func builtinRules() []*Rule {
	return []*Rule{
		// --- Windows: auto-heal ---
		healRule("L1-WIN-FIREWALL", "Re-enable Windows Firewall",
			"firewall_status", "RB-WIN-FIREWALL-001", "164.312(a)(1)"),
		healRule("L1-WIN-DEFENDER", "Restore Defender real-time protection",
			"windows_defender", "RB-WIN-DEFENDER-001", "164.308(a)(5)(ii)(B)"),
		healRule("L1-WIN-UPDATE", "Restart Windows Update service",
			"windows_update", "RB-WIN-UPDATE-001", "164.308(a)(5)(ii)(B)"),
		healRule("L1-WIN-AUDIT", "Restore audit policy baseline",
			"audit_logging", "RB-WIN-AUDIT-001", "164.312(b)"),
		healRule("L1-WIN-AGENT", "Restart compliance agent service",
			"agent_status", "RB-WIN-AGENT-001", "164.308(a)(1)(ii)(D)"),
		healRule("L1-WIN-SMB-SIGNING", "Require SMB signing",
			"smb_signing", "RB-WIN-SMB-SIGNING-001", "164.312(e)(1)"),
		healRule("L1-WIN-SMB1", "Disable SMBv1 protocol",
			"smb1_protocol", "RB-WIN-SMB1-001", "164.312(e)(1)"),
		healRule("L1-WIN-SCREENLOCK", "Enforce screen lock policy",
			"screen_lock_policy", "RB-WIN-SCREENLOCK-001", "164.312(a)(2)(iii)"),
		healRule("L1-WIN-DNS", "Restore DNS server configuration",
			"dns_config", "RB-WIN-DNS-001", "164.312(e)(1)"),
		healRule("L1-WIN-NETPROFILE", "Reset network profile to domain/private",
			"network_profile", "RB-WIN-NETPROFILE-001", "164.312(e)(1)"),
		healRule("L1-WIN-RDP-NLA", "Re-enable RDP network level authentication",
			"rdp_nla", "RB-WIN-RDP-NLA-001", "164.312(a)(1)"),
		healRule("L1-WIN-GUEST", "Disable guest account",
			"guest_account", "RB-WIN-GUEST-001", "164.312(a)(2)(i)"),
		healRule("L1-WIN-SVC-DNS", "Restart DNS Server service",
			"service_dns", "RB-WIN-SVC-DNS-001", "164.308(a)(1)(ii)(D)"),
		healRule("L1-WIN-SVC-NETLOGON", "Restart Netlogon service",
			"service_netlogon", "RB-WIN-SVC-NETLOGON-001", "164.308(a)(1)(ii)(D)"),

		// --- Windows: escalate (possible intrusion or needs judgment) ---
		escalateRule("L1-WIN-ROGUE-ADMIN", "Unexpected local administrator",
			"rogue_admin_users",
			"Account outside the approved admin set; possible privilege escalation",
			"164.308(a)(4)"),
		escalateRule("L1-WIN-ROGUE-TASK", "Unexpected scheduled task",
			"rogue_scheduled_tasks",
			"Unrecognized scheduled task; possible persistence mechanism",
			"164.308(a)(1)"),
		escalateRule("L1-WIN-BITLOCKER", "BitLocker not protecting system drive",
			"bitlocker_status",
			"Enabling encryption requires key escrow and a maintenance window",
			"164.312(a)(2)(iv)"),
		escalateRule("L1-WIN-DEFENDER-EXCL", "Suspicious Defender exclusions",
			"defender_exclusions",
			"Broad AV exclusions may be malware hiding or a vendor requirement",
			"164.308(a)(5)(ii)(B)"),
		escalateRule("L1-WIN-PASSWORD-POLICY", "Weak domain password policy",
			"password_policy",
			"Domain policy changes need customer sign-off",
			"164.308(a)(5)(ii)(D)"),

		// --- Linux: auto-heal ---
		healRule("L1-LIN-FIREWALL", "Re-enable host firewall",
			"linux_firewall", "RB-LIN-FIREWALL-001", "164.312(a)(1)"),
		healRule("L1-LIN-SSH", "Harden sshd configuration",
			"linux_ssh_config", "RB-LIN-SSH-001", "164.312(e)(1)"),
		healRule("L1-LIN-SERVICES", "Restart failed systemd units",
			"linux_failed_services", "RB-LIN-SERVICES-001", "164.308(a)(1)(ii)(D)"),
		healRule("L1-LIN-DISK", "Reclaim disk space",
			"linux_disk_space", "RB-LIN-DISK-001", "164.308(a)(7)(ii)(A)"),
		healRule("L1-LIN-AUDIT", "Restart auditd and restore rules",
			"linux_audit_logging", "RB-LIN-AUDIT-001", "164.312(b)"),
		healRule("L1-LIN-NTP", "Restore time synchronization",
			"linux_ntp_sync", "RB-LIN-NTP-001", "164.312(b)"),
		healRule("L1-LIN-SYSCTL", "Re-apply kernel hardening parameters",
			"linux_kernel_params", "RB-LIN-SYSCTL-001", "164.308(a)(1)"),
		healRule("L1-LIN-PERMS", "Fix sensitive file permissions",
			"linux_file_permissions", "RB-LIN-PERMS-001", "164.312(a)(1)"),
		healRule("L1-LIN-UPGRADES", "Re-enable unattended upgrades",
			"linux_unattended_upgrades", "RB-LIN-UPGRADES-001", "164.308(a)(5)(ii)(B)"),
		healRule("L1-LIN-LOGFWD", "Restore log forwarding",
			"linux_log_forwarding", "RB-LIN-LOGFWD-001", "164.312(b)"),

		// --- Linux: escalate ---
		escalateRule("L1-LIN-SUID", "Unexpected SUID binary",
			"linux_suid_binaries",
			"Unknown SUID binary; possible rootkit or privilege escalation",
			"164.312(a)(1)"),
		escalateRule("L1-LIN-PORTS", "Unexpected listening port",
			"linux_open_ports",
			"Unrecognized listener; verify before closing",
			"164.312(a)(1)"),
		escalateRule("L1-LIN-USERS", "Unexpected user account",
			"linux_user_accounts",
			"Account not in the approved set; possible unauthorized access",
			"164.308(a)(4)"),
		escalateRule("L1-LIN-CRON", "Suspicious cron entry",
			"linux_cron_review",
			"Unrecognized cron job; possible persistence mechanism",
			"164.308(a)(1)"),
		escalateRule("L1-LIN-CERT", "TLS certificate expiring",
			"linux_cert_expiry",
			"Certificate renewal needs owner coordination",
			"164.312(e)(1)"),

		// --- Network: always escalate, no remote-exec path to the device ---
		escalateRule("L1-NET-PORTS", "Unexpected open port on network device",
			"net_unexpected_ports",
			"Network device exposes an unapproved service",
			"164.312(a)(1)"),
		escalateRule("L1-NET-SERVICE", "Expected network service missing",
			"net_expected_service",
			"Required service not answering; device may be down or misconfigured",
			"164.308(a)(1)(ii)(D)"),
		escalateRule("L1-NET-REACH", "Host unreachable",
			"net_host_reachability",
			"Monitored host stopped answering",
			"164.308(a)(1)(ii)(D)"),
		escalateRule("L1-NET-DNS", "Internal DNS resolution failure",
			"net_dns_resolution",
			"Name resolution broken; check DC/DNS health",
			"164.312(e)(1)"),
	}
}
