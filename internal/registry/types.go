package registry

import "fmt"

// Identity 唯一定位某个服务器上的一个交易账户。
type Identity struct {
	ServerID  string `json:"server_id"`
	AccountID string `json:"account_id"`
}

// String 返回 server_id/account_id 形式的标识。
func (id Identity) String() string {
	return fmt.Sprintf("%s/%s", id.ServerID, id.AccountID)
}

// Server 描述一台承载交易终端代理的远程服务器。
type Server struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

// Account 描述注册在某台服务器上的交易账户。
// Login/Password/TradeServer 为终端登录凭据，会话初始化时使用。
type Account struct {
	ID          string `json:"id"`
	ServerID    string `json:"server_id"`
	Login       string `json:"login"`
	Password    string `json:"-"`
	TradeServer string `json:"trade_server"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// Direction 表示从账户相对主账户的跟单方向。
type Direction string

const (
	DirectionSame     Direction = "same"
	DirectionOpposite Direction = "opposite"
)

// Valid 判断方向取值是否合法。
func (d Direction) Valid() bool {
	return d == DirectionSame || d == DirectionOpposite
}

// SlaveSpec 描述一个从账户的跟单参数。
type SlaveSpec struct {
	Target         Identity  `json:"target"`
	SizeRatio      float64   `json:"size_ratio"`
	Direction      Direction `json:"direction"`
	CopyRiskParams bool      `json:"copy_risk_params"`
}

// MasterSlaveLink 以主账户为键，维护其全部从账户配置。
type MasterSlaveLink struct {
	Master Identity    `json:"master"`
	Slaves []SlaveSpec `json:"slaves"`
}
