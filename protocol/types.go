package protocol

// Vec3 is a position or scale in visualization space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quat is an orientation quaternion.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityQuat is the zero rotation.
var IdentityQuat = Quat{W: 1}

// UnitScale is the neutral scale.
var UnitScale = Vec3{X: 1, Y: 1, Z: 1}

// RGB is a color encoded as [r, g, b] with components in 0..1.
type RGB [3]float64

// Pose is a position plus orientation.
type Pose struct {
	Position   Vec3 `json:"position"`
	Quaternion Quat `json:"quaternion"`
}

// UserInfo identifies a participant and its assigned color.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color RGB    `json:"color"`
}

// RemoteUser is a participant as listed in the join roster.
type RemoteUser struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      RGB    `json:"color"`
	Position   Vec3   `json:"position"`
	Quaternion Quat   `json:"quaternion"`
	IsMuted    bool   `json:"isMuted,omitempty"`
}

// LandscapeRef points at the landscape currently shown in a room.
type LandscapeRef struct {
	LandscapeToken string `json:"landscapeToken"`
	Timestamp      int64  `json:"timestamp"`
}

// HighlightEntry records one user highlighting one entity.
type HighlightEntry struct {
	UserID        string `json:"userId"`
	EntityID      string `json:"entityId"`
	EntityType    string `json:"entityType"`
	IsHighlighted bool   `json:"isHighlighted"`
	Color         RGB    `json:"color"`
}

// DetachedMenu is a UI panel placed freely in space by its owner.
type DetachedMenu struct {
	ObjectID   string `json:"objectId"`
	UserID     string `json:"userId"`
	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`
	Position   Vec3   `json:"position"`
	Quaternion Quat   `json:"quaternion"`
	Scale      Vec3   `json:"scale"`
}

// Annotation is a text note anchored to an entity or to a detached menu.
type Annotation struct {
	ObjectID   string `json:"objectId"`
	EntityID   string `json:"entityId,omitempty"`
	MenuID     string `json:"menuId,omitempty"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	Owner      string `json:"owner"`
	LastEditor string `json:"lastEditor"`
}

// SpectateLink records that one user follows another's view.
type SpectateLink struct {
	SpectatingUserID string `json:"spectatingUserId"`
	SpectatedUserID  string `json:"spectatedUserId"`
	ConfigurationID  string `json:"configurationId"`
}

// RoomSnapshot is the authoritative room state handed to a joining client.
type RoomSnapshot struct {
	Landscape        LandscapeRef     `json:"landscape"`
	OpenComponents   []string         `json:"openComponents"`
	ClosedComponents []string         `json:"closedComponents"`
	Highlights       []HighlightEntry `json:"highlights"`
	DetachedMenus    []DetachedMenu   `json:"detachedMenus"`
	Annotations      []Annotation     `json:"annotations"`
	Spectating       []SpectateLink   `json:"spectating"`
}
