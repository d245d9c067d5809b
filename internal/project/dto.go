package project

type RewardResponse struct {
	ID                int64  `json:"id"`
	Title             string `json:"title"`
	MinimumAmount     int64  `json:"minimum_amount"`
	QuantityAvailable *int   `json:"quantity_available,omitempty"`
	QuantityRemaining *int   `json:"quantity_remaining,omitempty"`
}

type ProjectResponse struct {
	ID         int64            `json:"id"`
	CreatorID  int64            `json:"creator_id"`
	Title      string           `json:"title"`
	Status     string           `json:"status"`
	Currency   string           `json:"currency"`
	GoalAmount int64            `json:"goal_amount"`
	Rewards    []RewardResponse `json:"rewards"`
}
