// Package model はドメインモデルを定義する。
package model

// Item は在庫管理対象の消耗品1件を表す。
// IDは作成時に採番され、以後変更されない。
// Quantityはクイック調整フローで唯一変更されるフィールド。
type Item struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Category          string  `json:"category"`
	Quantity          float64 `json:"quantity"`
	Unit              string  `json:"unit"`
	LowStockThreshold float64 `json:"lowStockThreshold"`
	Supplier          string  `json:"supplier"`
	SupplierURL       string  `json:"supplierUrl"`
	Notes             string  `json:"notes"`
	AssignedMemberID  string  `json:"assignedMemberId"`
}

// Categories は選択可能なカテゴリの固定リスト。
var Categories = []string{
	"General",
	"3D Printing",
	"Ceramics",
	"Textiles/Fine Arts",
	"Woodshop",
	"Electronics",
}

// Units は選択可能な数量単位の固定リスト。
var Units = []string{
	"units", "rolls", "sheets", "kg", "g", "lbs", "oz",
	"m", "ft", "L", "mL", "bottles", "cans", "boxes", "spools",
}

// ValidCategory はカテゴリが固定リストに含まれるかを返す。
func ValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// ValidUnit は単位が固定リストに含まれるかを返す。
func ValidUnit(u string) bool {
	for _, v := range Units {
		if v == u {
			return true
		}
	}
	return false
}
