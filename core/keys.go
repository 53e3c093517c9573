package core

// 缓存 key 与失效标签
//
//	profile:<user_id>   已提交的用户画像
//	user:<user_id>      依赖该用户画像的缓存（推荐结果等）
//	item:<item_id>      依赖该物品向量/元数据的缓存
//	cat:<category>      按类目过滤的结果列表，该类目出现新物品或物品变化时失效
//	catalog             未按类目过滤的结果列表，任一物品变化时失效

func ProfileKey(userID string) string { return "profile:" + userID }

func UserTag(userID string) string { return "user:" + userID }

func ItemTag(itemID string) string { return "item:" + itemID }

func CategoryTag(category string) string { return "cat:" + category }

const CatalogTag = "catalog"

// ItemChangeTags 返回物品向量或元数据变化时需要失效的标签
func ItemChangeTags(itemID, category string) []string {
	tags := []string{ItemTag(itemID), CatalogTag}
	if category != "" {
		tags = append(tags, CategoryTag(category))
	}
	return tags
}
