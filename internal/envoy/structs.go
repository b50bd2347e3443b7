package envoy

import "github.com/chrisv1180/envoy-logger/internal/model"

type ProductionResponse struct {
	Production  []Measurement `json:"production"`
	Consumption []Measurement `json:"consumption"`
}

type Measurement struct {
	Type            string              `json:"type"`
	ActiveCount     int                 `json:"activeCount"`
	MeasurementType string              `json:"measurementType,omitempty"`
	ReadingTime     int64               `json:"readingTime"`
	WNow            float64             `json:"wNow"`
	WhLifetime      float64             `json:"whLifetime"`
	Lines           []model.PowerSample `json:"lines,omitempty"`
}

type InverterReport struct {
	SerialNumber    string `json:"serialNumber"`
	LastReportDate  int64  `json:"lastReportDate"`
	DevType         int    `json:"devType"`
	LastReportWatts int    `json:"lastReportWatts"`
	MaxReportWatts  int    `json:"maxReportWatts"`
}

type InventoryResponse []InventoryGroup

type InventoryGroup struct {
	Type    string    `json:"type"`
	Devices []Battery `json:"devices"`
}

type Battery struct {
	PartNum          string   `json:"part_num"`
	SerialNum        string   `json:"serial_num"`
	AdminStateStr    string   `json:"admin_state_str"`
	Communicating    bool     `json:"communicating"`
	DeviceStatus     []string `json:"device_status"`
	EnchargeCapacity int      `json:"encharge_capacity,omitempty"`
	LedStatus        int      `json:"led_status,omitempty"`
	MaxCellTemp      int      `json:"maxCellTemp,omitempty"`
	PercentFull      int      `json:"percentFull,omitempty"`
	Temperature      int      `json:"temperature"`
}
