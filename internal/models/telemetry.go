package models

// Usage 内存或磁盘用量，容量字段保留远端输出的原始格式（如 "7.7G"）
type Usage struct {
	Total          string  `json:"total"`
	Used           string  `json:"used"`
	Free           string  `json:"free"`
	PercentageUsed float64 `json:"percentage_used"`
}

// SystemTelemetry 通过远程探测命令采集的系统信息，尽力而为
type SystemTelemetry struct {
	CPUModel string `json:"cpu_model"`
	CPUCores int    `json:"cpu_cores"`
	Memory   Usage  `json:"memory"`
	Disk     Usage  `json:"disk"`
	OS       string `json:"os"`
	Kernel   string `json:"kernel"`
	Uptime   string `json:"uptime"`
	Hostname string `json:"hostname"`
}
