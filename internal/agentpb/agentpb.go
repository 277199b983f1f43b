// Package agentpb holds hand-maintained wire types for the ComplianceAgent
// protocol. The authoritative contract is proto/compliance_agent.proto;
// these structs carry protobuf struct tags so the protobuf runtime derives
// matching descriptors at runtime, which keeps protoc out of the build.
// Field numbers here must never change without a matching .proto edit.
package agentpb

import "fmt"

// CapabilityTier controls how much remediation an agent may perform on its
// own host.
type CapabilityTier int32

const (
	CapabilityTier_MONITOR_ONLY     CapabilityTier = 0
	CapabilityTier_SELF_HEAL        CapabilityTier = 1
	CapabilityTier_FULL_REMEDIATION CapabilityTier = 2
)

var CapabilityTier_name = map[int32]string{
	0: "MONITOR_ONLY",
	1: "SELF_HEAL",
	2: "FULL_REMEDIATION",
}

var CapabilityTier_value = map[string]int32{
	"MONITOR_ONLY":     0,
	"SELF_HEAL":        1,
	"FULL_REMEDIATION": 2,
}

func (t CapabilityTier) String() string {
	if s, ok := CapabilityTier_name[int32(t)]; ok {
		return s
	}
	return fmt.Sprintf("CapabilityTier(%d)", int32(t))
}

type RegisterRequest struct {
	Hostname          string         `protobuf:"bytes,1,opt,name=hostname,proto3" json:"hostname,omitempty"`
	OsVersion         string         `protobuf:"bytes,2,opt,name=os_version,json=osVersion,proto3" json:"os_version,omitempty"`
	AgentVersion      string         `protobuf:"bytes,3,opt,name=agent_version,json=agentVersion,proto3" json:"agent_version,omitempty"`
	MacAddress        string         `protobuf:"bytes,4,opt,name=mac_address,json=macAddress,proto3" json:"mac_address,omitempty"`
	InstalledSoftware []string       `protobuf:"bytes,5,rep,name=installed_software,json=installedSoftware,proto3" json:"installed_software,omitempty"`
	NeedsCertificates bool           `protobuf:"varint,6,opt,name=needs_certificates,json=needsCertificates,proto3" json:"needs_certificates,omitempty"`
	CapabilityTier    CapabilityTier `protobuf:"varint,7,opt,name=capability_tier,json=capabilityTier,proto3,enum=compliance.CapabilityTier" json:"capability_tier,omitempty"`
}

func (m *RegisterRequest) Reset()         { *m = RegisterRequest{} }
func (m *RegisterRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*RegisterRequest) ProtoMessage()    {}

func (m *RegisterRequest) GetHostname() string {
	if m != nil {
		return m.Hostname
	}
	return ""
}

func (m *RegisterRequest) GetOsVersion() string {
	if m != nil {
		return m.OsVersion
	}
	return ""
}

func (m *RegisterRequest) GetAgentVersion() string {
	if m != nil {
		return m.AgentVersion
	}
	return ""
}

func (m *RegisterRequest) GetMacAddress() string {
	if m != nil {
		return m.MacAddress
	}
	return ""
}

func (m *RegisterRequest) GetInstalledSoftware() []string {
	if m != nil {
		return m.InstalledSoftware
	}
	return nil
}

func (m *RegisterRequest) GetNeedsCertificates() bool {
	if m != nil {
		return m.NeedsCertificates
	}
	return false
}

func (m *RegisterRequest) GetCapabilityTier() CapabilityTier {
	if m != nil {
		return m.CapabilityTier
	}
	return CapabilityTier_MONITOR_ONLY
}

type RegisterResponse struct {
	AgentId              string            `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	CheckIntervalSeconds int32             `protobuf:"varint,2,opt,name=check_interval_seconds,json=checkIntervalSeconds,proto3" json:"check_interval_seconds,omitempty"`
	EnabledChecks        []string          `protobuf:"bytes,3,rep,name=enabled_checks,json=enabledChecks,proto3" json:"enabled_checks,omitempty"`
	CapabilityTier       CapabilityTier    `protobuf:"varint,4,opt,name=capability_tier,json=capabilityTier,proto3,enum=compliance.CapabilityTier" json:"capability_tier,omitempty"`
	CheckConfig          map[string]string `protobuf:"bytes,5,rep,name=check_config,json=checkConfig,proto3" json:"check_config,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
	CaCertPem            []byte            `protobuf:"bytes,6,opt,name=ca_cert_pem,json=caCertPem,proto3" json:"ca_cert_pem,omitempty"`
	AgentCertPem         []byte            `protobuf:"bytes,7,opt,name=agent_cert_pem,json=agentCertPem,proto3" json:"agent_cert_pem,omitempty"`
	AgentKeyPem          []byte            `protobuf:"bytes,8,opt,name=agent_key_pem,json=agentKeyPem,proto3" json:"agent_key_pem,omitempty"`
}

func (m *RegisterResponse) Reset()         { *m = RegisterResponse{} }
func (m *RegisterResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*RegisterResponse) ProtoMessage()    {}

func (m *RegisterResponse) GetAgentId() string {
	if m != nil {
		return m.AgentId
	}
	return ""
}

func (m *RegisterResponse) GetCheckIntervalSeconds() int32 {
	if m != nil {
		return m.CheckIntervalSeconds
	}
	return 0
}

func (m *RegisterResponse) GetEnabledChecks() []string {
	if m != nil {
		return m.EnabledChecks
	}
	return nil
}

func (m *RegisterResponse) GetCapabilityTier() CapabilityTier {
	if m != nil {
		return m.CapabilityTier
	}
	return CapabilityTier_MONITOR_ONLY
}

func (m *RegisterResponse) GetCheckConfig() map[string]string {
	if m != nil {
		return m.CheckConfig
	}
	return nil
}

func (m *RegisterResponse) GetCaCertPem() []byte {
	if m != nil {
		return m.CaCertPem
	}
	return nil
}

func (m *RegisterResponse) GetAgentCertPem() []byte {
	if m != nil {
		return m.AgentCertPem
	}
	return nil
}

func (m *RegisterResponse) GetAgentKeyPem() []byte {
	if m != nil {
		return m.AgentKeyPem
	}
	return nil
}

type DriftEvent struct {
	AgentId      string            `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	Hostname     string            `protobuf:"bytes,2,opt,name=hostname,proto3" json:"hostname,omitempty"`
	CheckType    string            `protobuf:"bytes,3,opt,name=check_type,json=checkType,proto3" json:"check_type,omitempty"`
	Passed       bool              `protobuf:"varint,4,opt,name=passed,proto3" json:"passed,omitempty"`
	Expected     string            `protobuf:"bytes,5,opt,name=expected,proto3" json:"expected,omitempty"`
	Actual       string            `protobuf:"bytes,6,opt,name=actual,proto3" json:"actual,omitempty"`
	Severity     string            `protobuf:"bytes,7,opt,name=severity,proto3" json:"severity,omitempty"`
	HipaaControl string            `protobuf:"bytes,8,opt,name=hipaa_control,json=hipaaControl,proto3" json:"hipaa_control,omitempty"`
	Timestamp    int64             `protobuf:"varint,9,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	Metadata     map[string]string `protobuf:"bytes,10,rep,name=metadata,proto3" json:"metadata,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
}

func (m *DriftEvent) Reset()         { *m = DriftEvent{} }
func (m *DriftEvent) String() string { return fmt.Sprintf("%+v", *m) }
func (*DriftEvent) ProtoMessage()    {}

func (m *DriftEvent) GetAgentId() string {
	if m != nil {
		return m.AgentId
	}
	return ""
}

func (m *DriftEvent) GetHostname() string {
	if m != nil {
		return m.Hostname
	}
	return ""
}

func (m *DriftEvent) GetCheckType() string {
	if m != nil {
		return m.CheckType
	}
	return ""
}

func (m *DriftEvent) GetExpected() string {
	if m != nil {
		return m.Expected
	}
	return ""
}

func (m *DriftEvent) GetActual() string {
	if m != nil {
		return m.Actual
	}
	return ""
}

func (m *DriftEvent) GetSeverity() string {
	if m != nil {
		return m.Severity
	}
	return ""
}

func (m *DriftEvent) GetHipaaControl() string {
	if m != nil {
		return m.HipaaControl
	}
	return ""
}

func (m *DriftEvent) GetTimestamp() int64 {
	if m != nil {
		return m.Timestamp
	}
	return 0
}

func (m *DriftEvent) GetPassed() bool {
	if m != nil {
		return m.Passed
	}
	return false
}

func (m *DriftEvent) GetMetadata() map[string]string {
	if m != nil {
		return m.Metadata
	}
	return nil
}

type DriftAck struct {
	EventId     string       `protobuf:"bytes,1,opt,name=event_id,json=eventId,proto3" json:"event_id,omitempty"`
	Received    bool         `protobuf:"varint,2,opt,name=received,proto3" json:"received,omitempty"`
	HealCommand *HealCommand `protobuf:"bytes,3,opt,name=heal_command,json=healCommand,proto3" json:"heal_command,omitempty"`
}

func (m *DriftAck) Reset()         { *m = DriftAck{} }
func (m *DriftAck) String() string { return fmt.Sprintf("%+v", *m) }
func (*DriftAck) ProtoMessage()    {}

func (m *DriftAck) GetEventId() string {
	if m != nil {
		return m.EventId
	}
	return ""
}

func (m *DriftAck) GetReceived() bool {
	if m != nil {
		return m.Received
	}
	return false
}

func (m *DriftAck) GetHealCommand() *HealCommand {
	if m != nil {
		return m.HealCommand
	}
	return nil
}

type HealCommand struct {
	CommandId      string            `protobuf:"bytes,1,opt,name=command_id,json=commandId,proto3" json:"command_id,omitempty"`
	CheckType      string            `protobuf:"bytes,2,opt,name=check_type,json=checkType,proto3" json:"check_type,omitempty"`
	Action         string            `protobuf:"bytes,3,opt,name=action,proto3" json:"action,omitempty"`
	Params         map[string]string `protobuf:"bytes,4,rep,name=params,proto3" json:"params,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
	TimeoutSeconds int64             `protobuf:"varint,5,opt,name=timeout_seconds,json=timeoutSeconds,proto3" json:"timeout_seconds,omitempty"`
}

func (m *HealCommand) Reset()         { *m = HealCommand{} }
func (m *HealCommand) String() string { return fmt.Sprintf("%+v", *m) }
func (*HealCommand) ProtoMessage()    {}

func (m *HealCommand) GetCommandId() string {
	if m != nil {
		return m.CommandId
	}
	return ""
}

func (m *HealCommand) GetCheckType() string {
	if m != nil {
		return m.CheckType
	}
	return ""
}

func (m *HealCommand) GetAction() string {
	if m != nil {
		return m.Action
	}
	return ""
}

func (m *HealCommand) GetParams() map[string]string {
	if m != nil {
		return m.Params
	}
	return nil
}

func (m *HealCommand) GetTimeoutSeconds() int64 {
	if m != nil {
		return m.TimeoutSeconds
	}
	return 0
}

type HealingResult struct {
	AgentId   string            `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	Hostname  string            `protobuf:"bytes,2,opt,name=hostname,proto3" json:"hostname,omitempty"`
	CheckType string            `protobuf:"bytes,3,opt,name=check_type,json=checkType,proto3" json:"check_type,omitempty"`
	Action    string            `protobuf:"bytes,4,opt,name=action,proto3" json:"action,omitempty"`
	Success   bool              `protobuf:"varint,5,opt,name=success,proto3" json:"success,omitempty"`
	Message   string            `protobuf:"bytes,6,opt,name=message,proto3" json:"message,omitempty"`
	Timestamp int64             `protobuf:"varint,7,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	Artifacts map[string]string `protobuf:"bytes,8,rep,name=artifacts,proto3" json:"artifacts,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
	CommandId string            `protobuf:"bytes,9,opt,name=command_id,json=commandId,proto3" json:"command_id,omitempty"`
}

func (m *HealingResult) Reset()         { *m = HealingResult{} }
func (m *HealingResult) String() string { return fmt.Sprintf("%+v", *m) }
func (*HealingResult) ProtoMessage()    {}

func (m *HealingResult) GetAgentId() string {
	if m != nil {
		return m.AgentId
	}
	return ""
}

func (m *HealingResult) GetHostname() string {
	if m != nil {
		return m.Hostname
	}
	return ""
}

func (m *HealingResult) GetCheckType() string {
	if m != nil {
		return m.CheckType
	}
	return ""
}

func (m *HealingResult) GetAction() string {
	if m != nil {
		return m.Action
	}
	return ""
}

func (m *HealingResult) GetSuccess() bool {
	if m != nil {
		return m.Success
	}
	return false
}

func (m *HealingResult) GetMessage() string {
	if m != nil {
		return m.Message
	}
	return ""
}

func (m *HealingResult) GetTimestamp() int64 {
	if m != nil {
		return m.Timestamp
	}
	return 0
}

func (m *HealingResult) GetCommandId() string {
	if m != nil {
		return m.CommandId
	}
	return ""
}

func (m *HealingResult) GetArtifacts() map[string]string {
	if m != nil {
		return m.Artifacts
	}
	return nil
}

type HealingAck struct {
	EventId  string `protobuf:"bytes,1,opt,name=event_id,json=eventId,proto3" json:"event_id,omitempty"`
	Received bool   `protobuf:"varint,2,opt,name=received,proto3" json:"received,omitempty"`
}

func (m *HealingAck) Reset()         { *m = HealingAck{} }
func (m *HealingAck) String() string { return fmt.Sprintf("%+v", *m) }
func (*HealingAck) ProtoMessage()    {}

func (m *HealingAck) GetEventId() string {
	if m != nil {
		return m.EventId
	}
	return ""
}

func (m *HealingAck) GetReceived() bool {
	if m != nil {
		return m.Received
	}
	return false
}

type HeartbeatRequest struct {
	AgentId       string `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	Timestamp     int64  `protobuf:"varint,2,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	UptimeSeconds int64  `protobuf:"varint,3,opt,name=uptime_seconds,json=uptimeSeconds,proto3" json:"uptime_seconds,omitempty"`
	QueueDepth    int32  `protobuf:"varint,4,opt,name=queue_depth,json=queueDepth,proto3" json:"queue_depth,omitempty"`
}

func (m *HeartbeatRequest) Reset()         { *m = HeartbeatRequest{} }
func (m *HeartbeatRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*HeartbeatRequest) ProtoMessage()    {}

func (m *HeartbeatRequest) GetAgentId() string {
	if m != nil {
		return m.AgentId
	}
	return ""
}

func (m *HeartbeatRequest) GetTimestamp() int64 {
	if m != nil {
		return m.Timestamp
	}
	return 0
}

func (m *HeartbeatRequest) GetUptimeSeconds() int64 {
	if m != nil {
		return m.UptimeSeconds
	}
	return 0
}

func (m *HeartbeatRequest) GetQueueDepth() int32 {
	if m != nil {
		return m.QueueDepth
	}
	return 0
}

type HeartbeatResponse struct {
	Acknowledged    bool           `protobuf:"varint,1,opt,name=acknowledged,proto3" json:"acknowledged,omitempty"`
	ConfigChanged   bool           `protobuf:"varint,2,opt,name=config_changed,json=configChanged,proto3" json:"config_changed,omitempty"`
	PendingCommands []*HealCommand `protobuf:"bytes,3,rep,name=pending_commands,json=pendingCommands,proto3" json:"pending_commands,omitempty"`
}

func (m *HeartbeatResponse) Reset()         { *m = HeartbeatResponse{} }
func (m *HeartbeatResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*HeartbeatResponse) ProtoMessage()    {}

func (m *HeartbeatResponse) GetAcknowledged() bool {
	if m != nil {
		return m.Acknowledged
	}
	return false
}

func (m *HeartbeatResponse) GetConfigChanged() bool {
	if m != nil {
		return m.ConfigChanged
	}
	return false
}

func (m *HeartbeatResponse) GetPendingCommands() []*HealCommand {
	if m != nil {
		return m.PendingCommands
	}
	return nil
}

type RMMAgent struct {
	Name        string `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Version     string `protobuf:"bytes,2,opt,name=version,proto3" json:"version,omitempty"`
	Running     bool   `protobuf:"varint,3,opt,name=running,proto3" json:"running,omitempty"`
	InstallPath string `protobuf:"bytes,4,opt,name=install_path,json=installPath,proto3" json:"install_path,omitempty"`
}

func (m *RMMAgent) Reset()         { *m = RMMAgent{} }
func (m *RMMAgent) String() string { return fmt.Sprintf("%+v", *m) }
func (*RMMAgent) ProtoMessage()    {}

func (m *RMMAgent) GetName() string {
	if m != nil {
		return m.Name
	}
	return ""
}

func (m *RMMAgent) GetVersion() string {
	if m != nil {
		return m.Version
	}
	return ""
}

func (m *RMMAgent) GetRunning() bool {
	if m != nil {
		return m.Running
	}
	return false
}

func (m *RMMAgent) GetInstallPath() string {
	if m != nil {
		return m.InstallPath
	}
	return ""
}

type RMMStatusReport struct {
	AgentId        string      `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	Hostname       string      `protobuf:"bytes,2,opt,name=hostname,proto3" json:"hostname,omitempty"`
	DetectedAgents []*RMMAgent `protobuf:"bytes,3,rep,name=detected_agents,json=detectedAgents,proto3" json:"detected_agents,omitempty"`
	Timestamp      int64       `protobuf:"varint,4,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
}

func (m *RMMStatusReport) Reset()         { *m = RMMStatusReport{} }
func (m *RMMStatusReport) String() string { return fmt.Sprintf("%+v", *m) }
func (*RMMStatusReport) ProtoMessage()    {}

func (m *RMMStatusReport) GetAgentId() string {
	if m != nil {
		return m.AgentId
	}
	return ""
}

func (m *RMMStatusReport) GetHostname() string {
	if m != nil {
		return m.Hostname
	}
	return ""
}

func (m *RMMStatusReport) GetDetectedAgents() []*RMMAgent {
	if m != nil {
		return m.DetectedAgents
	}
	return nil
}

func (m *RMMStatusReport) GetTimestamp() int64 {
	if m != nil {
		return m.Timestamp
	}
	return 0
}

type RMMAck struct {
	Received bool `protobuf:"varint,1,opt,name=received,proto3" json:"received,omitempty"`
}

func (m *RMMAck) Reset()         { *m = RMMAck{} }
func (m *RMMAck) String() string { return fmt.Sprintf("%+v", *m) }
func (*RMMAck) ProtoMessage()    {}

func (m *RMMAck) GetReceived() bool {
	if m != nil {
		return m.Received
	}
	return false
}
