package domain

// Domain contains the wire models shared by the console server and its clients.

// DeviceInfo describes a managed device as listed by the console.
type DeviceInfo struct {
	ID          string `json:"id"`
	Mac         string `json:"mac"`
	IPAddr      string `json:"ipaddr"`
	Description string `json:"description"`
	CreateTime  int64  `json:"createTime"`
	UpdateTime  int64  `json:"updateTime"`
}

// ExecuteCommandParams is the payload of a command execution. ID, Group and Wait
// are also carried in the request URL.
type ExecuteCommandParams struct {
	ID       string   `json:"id"`
	Group    string   `json:"group"`
	Wait     bool     `json:"wait"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Cmd      string   `json:"cmd"`
	Params   []string `json:"params,omitempty"`
}

type EditDescriptionRequest struct {
	DeviceID    string `json:"deviceId"`
	Description string `json:"description"`
}

type DeleteDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

// RegisterDeviceRequest is sent by devices running the add-device script.
type RegisterDeviceRequest struct {
	DeviceID    string `json:"deviceId"`
	Mac         string `json:"mac"`
	IP          string `json:"ip,omitempty"`
	Description string `json:"description,omitempty"`
	Token       string `json:"token"`
}

// ScriptInfo describes how to enroll a new device with the console.
type ScriptInfo struct {
	Script string `json:"script"`
	Host   string `json:"host"`
	Port   string `json:"port,omitempty"`
	Scheme string `json:"scheme"`
	Token  string `json:"token"`
}

// CommandResult is returned after a command has been handed to the dispatcher.
type CommandResult struct {
	Token     string `json:"token"`
	DeviceID  string `json:"deviceId"`
	Group     string `json:"group,omitempty"`
	Waited    bool   `json:"waited"`
	Delivered int    `json:"delivered"`
}

// ErrorResponse is the JSON body of every non-2xx console reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
